package session

// worker serializes writes to one session's agent so that back-to-back
// install/remove requests preserve order. Request handlers enqueue the
// send and then await the confirmation channel themselves — the worker
// only orders the sends, it never blocks on acks, so a slow agent cannot
// stall the queue behind an already-sent batch.
type worker struct {
	jobs chan func()
	done chan struct{}
}

const workerQueueDepth = 64

func newWorker() *worker {
	w := &worker{
		jobs: make(chan func(), workerQueueDepth),
		done: make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *worker) run() {
	defer close(w.done)
	for job := range w.jobs {
		job()
	}
}

// do enqueues job, blocking if the queue is full. Jobs enqueued after
// close are dropped.
func (w *worker) do(job func()) {
	defer func() {
		// Recover the send-on-closed-channel panic that loses the race
		// with close during session teardown; the job is dropped, which is
		// the correct outcome for a request against a dying session.
		recover()
	}()
	w.jobs <- job
}

// close stops the worker after draining already-queued jobs.
func (w *worker) close() {
	close(w.jobs)
	<-w.done
}
