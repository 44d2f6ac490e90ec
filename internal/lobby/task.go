package lobby

import (
	"context"
	"sync"
)

// Task is a cancellable background loop. It is owned by whoever started it
// and runs until stopped, until its parent context ends, or until the loop
// decides to finish.
type Task struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func startTask(ctx context.Context, run func(ctx context.Context) error) *Task {
	ctx, cancel := context.WithCancel(ctx)
	t := &Task{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(t.done)
		defer cancel()
		err := run(ctx)
		t.mu.Lock()
		t.err = err
		t.mu.Unlock()
	}()
	return t
}

// Stop cancels the loop and waits for it to exit. It is safe to call more
// than once and on a nil Task.
func (t *Task) Stop() {
	if t == nil {
		return
	}
	t.cancel()
	<-t.done
}

// Done returns a channel closed when the loop has exited.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Err returns why the loop ended: nil if it was stopped or its context
// ended, otherwise the loop's own reason (for example ErrLobbyGone).
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}
