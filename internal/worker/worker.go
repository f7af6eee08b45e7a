package worker

type worker struct {
	pool       *jobChannelPool
	jobChannel chan Job
}

func newWorker(pool *jobChannelPool) *worker {
	return &worker{
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *worker) start() {
	go func() {
		for {
			// announce availability before receiving, so acquire can find
			// this worker in the idle list
			w.pool.release(w.jobChannel)
			job := <-w.jobChannel
			if job.stop {
				w.pool.retire(w.jobChannel)
				return
			}
			if job.run != nil {
				job.run()
			}
			if job.done != nil {
				close(job.done)
			}
		}
	}()
}
