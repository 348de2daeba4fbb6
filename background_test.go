package offlinecache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTasksWaitWithoutTasks(t *testing.T) {
	bg := newTasks(time.Second, zerolog.Nop())
	assert.NoError(t, bg.Wait(context.Background()))
}

func TestTasksWaitHonoursContext(t *testing.T) {
	bg := newTasks(time.Second, zerolog.Nop())
	release := make(chan struct{})
	bg.Go("blocked", func(ctx context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, bg.Wait(ctx), context.DeadlineExceeded)

	close(release)
	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.NoError(t, bg.Wait(ctx))

	// an idle group becomes busy again
	release = make(chan struct{})
	bg.Go("blocked", func(ctx context.Context) error {
		<-release
		return nil
	})
	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	assert.ErrorIs(t, bg.Wait(short), context.DeadlineExceeded)
	close(release)
	assert.NoError(t, bg.Wait(ctx))
}

func TestTasksDiscardErrorsAndPanics(t *testing.T) {
	bg := newTasks(time.Second, zerolog.Nop())
	bg.Go("failing", func(ctx context.Context) error {
		return errors.New("write failed")
	})
	bg.Go("panicking", func(ctx context.Context) error {
		panic("boom")
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, bg.Wait(ctx))
}

func TestTasksHaveOwnDeadline(t *testing.T) {
	bg := newTasks(10*time.Millisecond, zerolog.Nop())
	errc := make(chan error, 1)
	bg.Go("slow", func(ctx context.Context) error {
		<-ctx.Done()
		errc <- ctx.Err()
		return ctx.Err()
	})
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("task deadline never expired")
	}
}
