package internal

// WorkerPool executes replication tasks with bounded concurrency. The size
// of N depends on how many data sources we expect to replicate at once and
// the contention on shared resources, chiefly database connections: if the
// DB connection limit is 100, N should be some fraction of that rather than
// an arbitrary number < 100. If more than N work is requested, Queue blocks
// until some work is done, applying backpressure on the producer.
type WorkerPool struct {
	N  int
	ch chan func()
}

// Create a new worker pool of size N. Up to N work can be done concurrently.
func NewWorkerPool(n int) *WorkerPool {
	return &WorkerPool{
		N: n,
		// The channel buffer is N so backpressure kicks in once there is
		// N in-flight work plus N queued work. A smaller buffer would make
		// the channel the bottleneck under bursts of session starts; a larger
		// one needlessly consumes memory as make() allocates the backing
		// array up front.
		ch: make(chan func(), n),
	}
}

// Start the workers. Only call this once.
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.N; i++ {
		go wp.worker()
	}
}

// Stop the worker pool. Only really useful for tests as a worker pool should be started once
// and persist for the lifetime of the process, else it causes needless goroutine churn.
// Only call this once.
func (wp *WorkerPool) Stop() {
	close(wp.ch)
}

// Queue some work on the pool. May or may not block until some work is processed.
func (wp *WorkerPool) Queue(fn func()) {
	wp.ch <- fn
}

// worker impl
func (wp *WorkerPool) worker() {
	for fn := range wp.ch {
		fn()
	}
}
