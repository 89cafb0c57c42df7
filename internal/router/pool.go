package router

import "sync"

// workerPool runs jobs on a fixed number of goroutines. At most one raft job
// and one apply job exist per shard at a time, so the backlog only needs to
// exceed the hosted shard count.
type workerPool struct {
	mu      sync.RWMutex
	jobs    chan func()
	wg      sync.WaitGroup
	stopped bool
}

func newWorkerPool(workers, backlog int) *workerPool {
	p := &workerPool{jobs: make(chan func(), backlog)}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for f := range p.jobs {
				f()
			}
		}()
	}
	return p
}

// submit blocks when the backlog is full. After close it drops the job: the
// pools shut down in sequence, so a job raced against shutdown has nobody
// left waiting on it.
func (p *workerPool) submit(f func()) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return
	}
	p.jobs <- f
}

func (p *workerPool) close() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.jobs)
	}
	p.mu.Unlock()
	p.wg.Wait()
}
