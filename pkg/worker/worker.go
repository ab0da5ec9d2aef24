package worker

import (
	"errors"
	"sync"
	"time"
)

// Errors that may occur when sending tasks to a worker.
var (
	ErrClosed  = errors.New("worker is closed")
	ErrTooBusy = errors.New("worker is already overloaded")
)

// Configuration for the worker.
type Config[T any] struct {
	// The size of the bounded channel.
	ChannelSize int
	// Timeout after which `OnTimeout` is called if no task arrived.
	Timeout time.Duration
	// A closure that is called once `Timeout` is reached.
	OnTimeout func()
	// A closure that is executed upon reception of a task.
	OnTask func(T)
}

// Worker is a single goroutine that owns a bounded task queue and runs the
// tasks strictly in the order of submission. The focus uses one worker per
// bridge session (so that colibri requests never overlap) and one for the
// outbound signaling of each conference.
//
// We need to wrap the channel in a struct so that we can close it from the
// outside and check by the sender if the channel is closed (there is no
// elegant way to do it in Go).
type Worker[T any] struct {
	channel chan<- T
	done    chan struct{}
	mutex   sync.Mutex
	closed  bool
}

// Stop the worker unless already stopped. Queued tasks drain before the
// goroutine exits; Stop does not wait for that, see Wait.
func (w *Worker[T]) Stop() {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.closed {
		close(w.channel)
		w.closed = true
	}
}

// Wait blocks until the worker goroutine has drained the queue and exited.
// Only returns after Stop was called (by anyone).
func (w *Worker[T]) Wait() {
	<-w.done
}

// Send a task to the worker. Does not block: if the queue is full the task is
// rejected with `ErrTooBusy`, which the caller is expected to treat as a
// serious condition (a stuck bridge or signaling backend).
func (w *Worker[T]) Send(task T) error {
	w.mutex.Lock()
	defer w.mutex.Unlock()

	if !w.closed {
		select {
		case w.channel <- task:
			return nil
		default:
			return ErrTooBusy
		}
	}

	return ErrClosed
}

// Starts a worker that executes `c.OnTask` for every received task and calls
// `c.OnTimeout` whenever no task has been received for `c.Timeout`. The worker
// stops once the channel is closed, i.e. once the user calls `Stop` explicitly.
func StartWorker[T any](c Config[T]) *Worker[T] {
	incoming := make(chan T, c.ChannelSize)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			select {
			case task, ok := <-incoming:
				if !ok {
					return
				}
				c.OnTask(task)
			case <-time.After(c.Timeout):
				c.OnTimeout()
			}
		}
	}()

	return &Worker[T]{channel: incoming, done: done}
}
