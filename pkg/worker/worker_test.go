package worker_test

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/riverine/headwater/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerRunsTasksInOrder(t *testing.T) {
	var got []int
	done := make(chan struct{})

	w := worker.StartWorker(worker.Config[int]{
		ChannelSize: 16,
		Timeout:     time.Minute,
		OnTimeout:   func() {},
		OnTask: func(task int) {
			got = append(got, task)
			if task == 3 {
				close(done)
			}
		},
	})
	defer w.Stop()

	for _, task := range []int{1, 2, 3} {
		require.NoError(t, w.Send(task))
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not run the tasks")
	}

	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestWorkerRejectsWhenStopped(t *testing.T) {
	w := worker.StartWorker(worker.Config[int]{
		ChannelSize: 1,
		Timeout:     time.Minute,
		OnTimeout:   func() {},
		OnTask:      func(int) {},
	})

	w.Stop()
	assert.ErrorIs(t, w.Send(1), worker.ErrClosed)
}

func TestWorkerRejectsWhenFull(t *testing.T) {
	block := make(chan struct{})
	w := worker.StartWorker(worker.Config[int]{
		ChannelSize: 1,
		Timeout:     time.Minute,
		OnTimeout:   func() {},
		OnTask:      func(int) { <-block },
	})
	defer w.Stop()
	defer close(block)

	// The first task may start executing, the second fills the queue. Keep
	// sending until the bounded queue reports the overload.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if err := w.Send(1); err != nil {
			assert.ErrorIs(t, err, worker.ErrTooBusy)
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("worker never reported overload")
		}
	}
}

func TestWorkerWaitDrainsQueuedTasks(t *testing.T) {
	var ran atomic.Int32
	w := worker.StartWorker(worker.Config[int]{
		ChannelSize: 8,
		Timeout:     time.Minute,
		OnTimeout:   func() {},
		OnTask: func(int) {
			time.Sleep(10 * time.Millisecond)
			ran.Add(1)
		},
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, w.Send(i))
	}
	w.Stop()
	w.Wait()

	// Wait returns only after the goroutine exited, which happens after
	// every queued task ran.
	assert.Equal(t, int32(3), ran.Load())
}

func TestWorkerTimeout(t *testing.T) {
	var fired atomic.Bool
	w := worker.StartWorker(worker.Config[struct{}]{
		ChannelSize: 1,
		Timeout:     10 * time.Millisecond,
		OnTimeout:   func() { fired.Store(true) },
		OnTask:      func(struct{}) {},
	})
	defer w.Stop()

	assert.Eventually(t, fired.Load, time.Second, 5*time.Millisecond)
}

func BenchmarkWorker(b *testing.B) {
	workerConfig := worker.Config[struct{}]{
		ChannelSize: 1,
		Timeout:     2 * time.Second,
		OnTimeout:   func() {},
		OnTask:      func(struct{}) {},
	}
	w := worker.StartWorker(workerConfig)

	for n := 0; n < b.N; n++ {
		w.Send(struct{}{}) //nolint:errcheck
	}

	w.Stop()
}
