package loop

import (
	"sync"
	"time"
)

// task is a cancellable periodic schedule. Stop is idempotent and waits for
// the tick goroutine to exit, so a stopped task never fires again.
type task struct {
	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func newTask(interval time.Duration, fn func()) *task {
	t := &task{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-t.stop:
				return
			case <-ticker.C:
				fn()
			}
		}
	}()
	return t
}

func (t *task) Stop() {
	t.once.Do(func() { close(t.stop) })
	<-t.done
}
