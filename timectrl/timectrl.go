package timectrl

import (
	"context"
	"sync"
	"time"
)

// Mode describes how the TimeController advances simulation time.
type Mode int

const (
	// RealTime advances according to wall-clock time.
	RealTime Mode = iota
	// Accelerated advances as quickly as the loop can run while still stepping by Tick.
	Accelerated
)

func (m Mode) String() string {
	switch m {
	case RealTime:
		return "realtime"
	case Accelerated:
		return "accelerated"
	default:
		return "unknown"
	}
}

// Listener is invoked once per tick with the new simulation time. A
// returned error stops the run.
type Listener func(time.Time) error

// TimeController drives simulation time and notifies registered listeners.
type TimeController struct {
	mu        sync.RWMutex
	StartTime time.Time
	Tick      time.Duration
	Mode      Mode

	// currentTime tracks the current simulation time. It is updated
	// as the controller advances time.
	currentTime time.Time

	listeners []Listener
}

// NewTimeController constructs a controller.
func NewTimeController(start time.Time, tick time.Duration, mode Mode) *TimeController {
	return &TimeController{
		StartTime:   start,
		Tick:        tick,
		Mode:        mode,
		currentTime: start,
	}
}

// Now returns the current simulation time.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.currentTime
}

// SetTime moves the clock without notifying listeners.
func (tc *TimeController) SetTime(t time.Time) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.currentTime = t
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn Listener) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// Step fires the listeners for the current time and then advances the
// clock by one tick.
func (tc *TimeController) Step() error {
	tc.mu.RLock()
	now := tc.currentTime
	listeners := append([]Listener(nil), tc.listeners...)
	tc.mu.RUnlock()

	for _, fn := range listeners {
		if err := fn(now); err != nil {
			return err
		}
	}

	tc.mu.Lock()
	tc.currentTime = now.Add(tc.Tick)
	tc.mu.Unlock()
	return nil
}

// Run ticks from StartTime until duration of simulated time has elapsed,
// ctx is cancelled, or a listener fails. The first tick fires at StartTime.
// A zero duration runs until ctx is cancelled.
func (tc *TimeController) Run(ctx context.Context, duration time.Duration) error {
	tc.SetTime(tc.StartTime)

	var ticker *time.Ticker
	if tc.Mode == RealTime {
		ticker = time.NewTicker(tc.Tick)
		defer ticker.Stop()
	}

	for elapsed := time.Duration(0); duration <= 0 || elapsed < duration; elapsed += tc.Tick {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := tc.Step(); err != nil {
			return err
		}
		if ticker != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		}
	}
	return nil
}

// Start runs the controller for the specified duration in a separate goroutine.
// It returns a channel that receives the run's result and is then closed.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan error {
	done := make(chan error, 1)
	go func() {
		defer close(done)
		done <- tc.Run(ctx, duration)
	}()
	return done
}
