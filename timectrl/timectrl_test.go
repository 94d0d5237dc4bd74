package timectrl

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTimeControllerSetTime(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, RealTime)

	newNow := start.Add(42 * time.Second)
	tc.SetTime(newNow)

	if got := tc.Now(); !got.Equal(newNow) {
		t.Fatalf("Now() = %v, want %v", got, newNow)
	}
}

func TestTimeControllerAcceleratedRunTicksEveryStep(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 10*time.Second, Accelerated)

	var ticks []time.Duration
	tc.AddListener(func(now time.Time) error {
		ticks = append(ticks, now.Sub(start))
		return nil
	})

	if err := tc.Run(context.Background(), 30*time.Second); err != nil {
		t.Fatalf("Run: %v", err)
	}

	want := []time.Duration{0, 10 * time.Second, 20 * time.Second}
	if len(ticks) != len(want) {
		t.Fatalf("ticks = %v, want %v", ticks, want)
	}
	for i := range want {
		if ticks[i] != want[i] {
			t.Fatalf("ticks = %v, want %v", ticks, want)
		}
	}
	if got := tc.Now(); !got.Equal(start.Add(30 * time.Second)) {
		t.Fatalf("Now() after run = %v", got)
	}
}

func TestTimeControllerStopsOnListenerError(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, time.Second, Accelerated)

	boom := errors.New("boom")
	calls := 0
	tc.AddListener(func(time.Time) error {
		calls++
		if calls == 3 {
			return boom
		}
		return nil
	})

	if err := <-tc.Start(context.Background(), time.Minute); !errors.Is(err, boom) {
		t.Fatalf("Start result = %v, want boom", err)
	}
	if calls != 3 {
		t.Fatalf("listener calls = %d, want 3", calls)
	}
}

func TestTimeControllerRealTimeHonoursCancel(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	tc := NewTimeController(start, 5*time.Millisecond, RealTime)

	ctx, cancel := context.WithCancel(context.Background())
	tc.AddListener(func(now time.Time) error {
		if now.Sub(start) >= 10*time.Millisecond {
			cancel()
		}
		return nil
	})

	err := tc.Run(ctx, 0)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run error = %v, want context.Canceled", err)
	}
}
