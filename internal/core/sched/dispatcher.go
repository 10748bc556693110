package sched

import (
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Executor runs ready task closures. Submit is called with the scheduler's
// state lock held: it must not block and must not run job on the calling
// goroutine.
type Executor interface {
	Submit(job func())
	Stop()
}

// workerPool is a fixed set of workers draining an unbounded FIFO.
type workerPool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	group  errgroup.Group
}

func newWorkerPool(workers int) *workerPool {
	if workers < 1 {
		workers = runtime.GOMAXPROCS(0)
	}
	p := &workerPool{queue: make([]func(), 0, workers*4)}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < workers; i++ {
		p.group.Go(p.work)
	}
	return p
}

func (p *workerPool) Submit(job func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		// Late submissions still run so their completion bookkeeping happens.
		go job()
		return
	}
	p.queue = append(p.queue, job)
	p.mu.Unlock()
	p.cond.Signal()
}

// Stop lets the workers drain the queue and waits for them to exit.
func (p *workerPool) Stop() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	_ = p.group.Wait()
}

func (p *workerPool) work() error {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return nil
		}
		job := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		job()
	}
}
