package cache

import (
	"runtime"
	"sync"

	"github.com/emberengine/content/asset"
)

const maxWorkers = 12

// workerCount is half the logical cores, clamped to [1, maxWorkers].
// Loads are I/O bound, so more workers than that only adds contention
// on the container handles.
func workerCount() int {
	n := (runtime.GOMAXPROCS(0) + 1) / 2
	if n < 1 {
		n = 1
	}
	if n > maxWorkers {
		n = maxWorkers
	}
	return n
}

// A task is one asset's load, queued for a worker.
type task struct {
	a    asset.Asset
	path string // backing container file; empty for JSON-format assets
}

// pool is a fixed set of workers draining a shared queue. The queue is
// a mutex-guarded slice rather than a channel because WaitFor needs to
// remove a specific task from the middle of it.
type pool struct {
	run func(*task)

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*task
	stopped bool

	wg sync.WaitGroup
}

func newPool(n int, run func(*task)) *pool {
	p := &pool{run: run}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < n; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

func (p *pool) worker() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.stopped {
			p.cond.Wait()
		}
		if p.stopped {
			p.mu.Unlock()
			return
		}
		t := p.queue[0]
		p.queue = p.queue[1:]
		p.mu.Unlock()
		p.run(t)
	}
}

// enqueue hands a task to the workers. After stop the task is cancelled
// instead of run.
func (p *pool) enqueue(t *task) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		t.a.FinishLoad(asset.ErrCancelled)
		return
	}
	p.queue = append(p.queue, t)
	p.mu.Unlock()
	p.cond.Signal()
}

// steal removes and returns the queued task for a, if it is still
// queued. A goroutine blocked waiting for a runs the stolen task
// itself instead of deadlocking on a busy pool.
func (p *pool) steal(a asset.Asset) *task {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, t := range p.queue {
		if t.a == a {
			p.queue = append(p.queue[:i], p.queue[i+1:]...)
			return t
		}
	}
	return nil
}

// stop signals the workers, waits for them to finish their current
// task, and returns whatever was still queued.
func (p *pool) stop() []*task {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()
	p.cond.Broadcast()
	p.wg.Wait()

	p.mu.Lock()
	rest := p.queue
	p.queue = nil
	p.mu.Unlock()
	return rest
}
