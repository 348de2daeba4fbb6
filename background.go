package offlinecache

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const defaultBackgroundTimeout = 30 * time.Second

// tasks runs work that outlives the request which started it,
// such as runtime cache writes and updates triggered over the control API.
type tasks struct {
	timeout time.Duration
	log     zerolog.Logger

	mu      sync.Mutex
	running int
	// closed whenever no task is running
	idle chan struct{}
}

func newTasks(timeout time.Duration, log zerolog.Logger) *tasks {
	if timeout <= 0 {
		timeout = defaultBackgroundTimeout
	}
	idle := make(chan struct{})
	close(idle)
	return &tasks{timeout: timeout, log: log, idle: idle}
}

// Go runs fn in its own goroutine with its own deadline.
// Errors and panics are logged and otherwise discarded.
func (t *tasks) Go(name string, fn func(ctx context.Context) error) {
	t.mu.Lock()
	if t.running == 0 {
		t.idle = make(chan struct{})
	}
	t.running++
	t.mu.Unlock()

	go func() {
		defer t.done()
		defer func() {
			if rec := recover(); rec != nil {
				t.log.Error().Interface("error", rec).Str("task", name).Msg("Panic in background task")
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			t.log.Debug().Err(err).Str("task", name).Msg("Background task failed")
		}
	}()
}

func (t *tasks) done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running--; t.running == 0 {
		close(t.idle)
	}
}

// Wait blocks until no task is running or ctx is done.
func (t *tasks) Wait(ctx context.Context) error {
	t.mu.Lock()
	idle := t.idle
	t.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
