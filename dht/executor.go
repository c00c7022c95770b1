package dht

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// ErrExecutorClosed is returned when submitting work to a closed executor.
var ErrExecutorClosed = errors.New("executor closed")

// serialExecutor runs tasks one at a time, in submission order, on its own
// goroutine. A panicking task is logged and does not stop the executor.
type serialExecutor struct {
	name string

	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func newSerialExecutor(name string) *serialExecutor {
	e := &serialExecutor{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go e.loop()
	return e
}

// Execute queues task. It never blocks on the running task.
func (e *serialExecutor) Execute(task func()) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrExecutorClosed
	}
	e.queue = append(e.queue, task)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return nil
}

// Flush waits until every task queued before the call has run.
func (e *serialExecutor) Flush(ctx context.Context) error {
	done := make(chan struct{})
	if err := e.Execute(func() { close(done) }); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close runs the queued tasks and stops the executor. It blocks until the
// last task has returned and must not be called from a task.
func (e *serialExecutor) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		select {
		case e.wake <- struct{}{}:
		default:
		}
	}
	e.mu.Unlock()
	<-e.done
}

func (e *serialExecutor) loop() {
	defer close(e.done)
	for {
		e.mu.Lock()
		if len(e.queue) == 0 {
			closed := e.closed
			e.mu.Unlock()
			if closed {
				return
			}
			<-e.wake
			continue
		}
		task := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		e.run(task)
	}
}

func (e *serialExecutor) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			logrus.WithFields(logrus.Fields{
				"function": "serialExecutor.run",
				"executor": e.name,
				"panic":    fmt.Sprint(r),
			}).Error("Task panicked")
		}
	}()
	task()
}
