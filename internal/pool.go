package internal

import "sync"

// WorkerPool runs queued functions on a fixed number of goroutines. Rooms in a sync
// response are reconciled on a pool so a response touching many rooms does not open
// one database transaction per room all at once.
type WorkerPool struct {
	N  int
	ch chan func()
}

// NewWorkerPool makes a pool of size N. Up to N functions run concurrently. Size it
// against the database connection limit: each queued function holds a connection
// for the duration of its transaction.
func NewWorkerPool(n int) *WorkerPool {
	if n < 1 {
		n = 1
	}
	return &WorkerPool{
		N: n,
		// A buffer of N applies backpressure on the producer once N functions are
		// waiting, which bounds memory without making the channel the bottleneck.
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool. Only call this once, after all Queue calls have returned.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
}

// Queue some work on the pool. May block until a worker is free.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

// QueueAndWait queues every function then blocks until all of them have returned.
func (wp *WorkerPool) QueueAndWait(fns []func()) {
	var wg sync.WaitGroup
	wg.Add(len(fns))
	for _, fn := range fns {
		fn := fn
		wp.Queue(func() {
			defer wg.Done()
			fn()
		})
	}
	wg.Wait()
}

func (wp *WorkerPool) worker() {
	for fn := range wp.ch {
		fn()
	}
}
