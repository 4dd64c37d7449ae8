package buffer

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petems/hearsay/internal/pcm"
)

// speechConfig is a 16 kHz mono buffer handing out 100 ms chunks.
func speechConfig(target, max time.Duration) Config {
	return Config{
		SampleRate:    16000,
		Channels:      1,
		ChunkSamples:  1600,
		TargetLatency: target,
		MaxLatency:    max,
	}
}

func newBuffer(t *testing.T, cfg Config) *LatencyBuffer {
	t.Helper()
	b, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

// ramp returns n samples counting up from start, encoded as s16le.
func ramp(start, n int) []byte {
	s := make([]int16, n)
	for i := range s {
		s[i] = int16(start + i)
	}
	return pcm.Encode(s)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"valid", speechConfig(200*time.Millisecond, time.Second), true},
		{"zero target", speechConfig(0, time.Second), true},
		{"target above max", speechConfig(2*time.Second, time.Second), false},
		{"no max", speechConfig(0, 0), false},
		{"chunk larger than max", speechConfig(0, 50*time.Millisecond), false},
		{"no rate", Config{Channels: 1, ChunkSamples: 1, MaxLatency: time.Second}, false},
		{"no channels", Config{SampleRate: 16000, ChunkSamples: 1, MaxLatency: time.Second}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}

func TestWriteRejectsMisalignedData(t *testing.T) {
	b := newBuffer(t, Config{SampleRate: 16000, Channels: 2, ChunkSamples: 160, MaxLatency: time.Second})
	if err := b.Write(make([]byte, 6)); !errors.Is(err, ErrMisaligned) {
		t.Fatalf("expected ErrMisaligned, got %v", err)
	}
	if b.Len() != 0 {
		t.Fatal("misaligned write must not change the buffer")
	}
}

func TestCurrentLatency(t *testing.T) {
	b := newBuffer(t, speechConfig(0, time.Second))
	if err := b.Write(ramp(0, 320)); err != nil {
		t.Fatal(err)
	}
	if got := b.CurrentLatency(); got != 20*time.Millisecond {
		t.Fatalf("expected 20ms, got %v", got)
	}
}

func TestWriteDropsOldestPastMaxLatency(t *testing.T) {
	b := newBuffer(t, speechConfig(0, 100*time.Millisecond))

	// 150 ms in, 100 ms capacity: the first 50 ms must go.
	for i := 0; i < 3; i++ {
		if err := b.Write(ramp(i*800, 800)); err != nil {
			t.Fatal(err)
		}
		if got := b.CurrentLatency(); got > 100*time.Millisecond {
			t.Fatalf("write %d: latency %v exceeds max", i, got)
		}
	}

	chunk, ok := b.Read()
	if !ok {
		t.Fatal("expected a chunk")
	}
	got := pcm.Decode(chunk)
	if got[0] != 800 || got[len(got)-1] != 2399 {
		t.Fatalf("expected samples 800..2399, got %d..%d", got[0], got[len(got)-1])
	}

	st := b.Stats()
	if st.Overflows != 1 || st.BytesDropped != 1600 {
		t.Fatalf("expected 1 overflow dropping 1600 bytes, got %+v", st)
	}
}

func TestWriteLargerThanCapacityKeepsNewestTail(t *testing.T) {
	b := newBuffer(t, speechConfig(0, 100*time.Millisecond))
	if err := b.Write(ramp(0, 4000)); err != nil {
		t.Fatal(err)
	}
	if got := b.CurrentLatency(); got != 100*time.Millisecond {
		t.Fatalf("expected 100ms, got %v", got)
	}
	chunk, ok := b.Read()
	if !ok {
		t.Fatal("expected a chunk")
	}
	if first := pcm.Decode(chunk)[0]; first != 2400 {
		t.Fatalf("expected newest tail starting at 2400, got %d", first)
	}
}

func TestReadGatedByTargetLatency(t *testing.T) {
	b := newBuffer(t, speechConfig(200*time.Millisecond, time.Second))

	// 180 ms: below target, even though a 100 ms chunk is available.
	if err := b.Write(ramp(0, 2880)); err != nil {
		t.Fatal(err)
	}
	if _, ok := b.Read(); ok {
		t.Fatal("expected no chunk below target latency")
	}

	// 200 ms: at target.
	if err := b.Write(ramp(2880, 320)); err != nil {
		t.Fatal(err)
	}
	chunk, ok := b.Read()
	if !ok {
		t.Fatal("expected a chunk at target latency")
	}
	if len(chunk) != 3200 {
		t.Fatalf("expected 3200 byte chunk, got %d", len(chunk))
	}
	if got := b.CurrentLatency(); got != 100*time.Millisecond {
		t.Fatalf("expected 100ms left, got %v", got)
	}
	if st := b.Stats(); st.Underruns != 1 || st.Reads != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestReadChunksAcrossWrap(t *testing.T) {
	b := newBuffer(t, speechConfig(0, 150*time.Millisecond))
	next := 0
	expect := 0
	for round := 0; round < 20; round++ {
		if err := b.Write(ramp(next, 1200)); err != nil {
			t.Fatal(err)
		}
		next += 1200
		for {
			chunk, ok := b.Read()
			if !ok {
				break
			}
			s := pcm.Decode(chunk)
			for i, v := range s {
				if v != int16(expect+i) {
					t.Fatalf("round %d sample %d: expected %d, got %d", round, i, int16(expect+i), v)
				}
			}
			expect += len(s)
		}
	}
}

func TestReset(t *testing.T) {
	b := newBuffer(t, speechConfig(0, time.Second))
	if err := b.Write(ramp(0, 1600)); err != nil {
		t.Fatal(err)
	}
	b.Reset()
	if b.Len() != 0 || b.CurrentLatency() != 0 {
		t.Fatal("expected an empty buffer after Reset")
	}
	if (b.Stats() != Stats{}) {
		t.Fatal("expected zeroed stats after Reset")
	}
}

// Feeding 500 ms in 20 ms steps against a 200 ms target: nothing comes out
// until 200 ms is buffered, and the 1 s ceiling is never crossed.
func TestEndToEndLatencyScenario(t *testing.T) {
	b := newBuffer(t, speechConfig(200*time.Millisecond, time.Second))

	var fed time.Duration
	var firstRead time.Duration
	reads := 0
	for step := 0; step < 25; step++ {
		if err := b.Write(ramp(step*320, 320)); err != nil {
			t.Fatal(err)
		}
		fed += 20 * time.Millisecond

		if got := b.CurrentLatency(); got > time.Second {
			t.Fatalf("after %v fed: latency %v exceeds max", fed, got)
		}

		before := b.CurrentLatency()
		chunk, ok := b.Read()
		if before < 200*time.Millisecond {
			if ok {
				t.Fatalf("after %v fed: got a chunk with only %v buffered", fed, before)
			}
			continue
		}
		if !ok {
			t.Fatalf("after %v fed: expected a chunk with %v buffered", fed, before)
		}
		if len(chunk) != 3200 {
			t.Fatalf("expected 3200 byte chunk, got %d", len(chunk))
		}
		if reads == 0 {
			firstRead = fed
		}
		reads++
		if got := b.CurrentLatency(); got != before-100*time.Millisecond {
			t.Fatalf("read should remove 100ms: before %v after %v", before, got)
		}
	}

	if firstRead != 200*time.Millisecond {
		t.Fatalf("expected first chunk after 200ms, got %v", firstRead)
	}
	if reads == 0 {
		t.Fatal("expected chunks once the target was reached")
	}
}

func TestConcurrentWriterAndReader(t *testing.T) {
	b := newBuffer(t, speechConfig(40*time.Millisecond, 200*time.Millisecond))
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if err := b.Write(ramp(i, 160)); err != nil {
				t.Errorf("Write: %v", err)
				return
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if chunk, ok := b.Read(); ok && len(chunk) != 3200 {
				t.Errorf("unexpected chunk size %d", len(chunk))
				return
			}
		}
	}()
	wg.Wait()
	if b.CurrentLatency() > 200*time.Millisecond {
		t.Fatalf("latency %v exceeds max", b.CurrentLatency())
	}
}
