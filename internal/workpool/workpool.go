// Package workpool bounds concurrent work against mail providers.
package workpool

import (
	"sync"
	"time"
)

// Pool runs jobs on at most maxWorkers goroutines, starting no two jobs
// closer together than the rate interval.
type Pool struct {
	interval  time.Duration
	semaphore chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	lastStart time.Time
}

// New creates a pool. A non-positive maxWorkers runs one job at a time;
// a zero interval disables rate limiting.
func New(maxWorkers int, interval time.Duration) *Pool {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Pool{
		interval:  interval,
		semaphore: make(chan struct{}, maxWorkers),
	}
}

// Submit blocks until a worker slot is free, then runs job in the background.
func (p *Pool) Submit(job func()) {
	p.wg.Add(1)
	p.semaphore <- struct{}{}

	go func() {
		defer p.wg.Done()
		defer func() { <-p.semaphore }()

		p.throttle()
		job()
	}()
}

// Wait blocks until all submitted jobs have completed.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) throttle() {
	if p.interval <= 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if elapsed := time.Since(p.lastStart); elapsed < p.interval {
		time.Sleep(p.interval - elapsed)
	}
	p.lastStart = time.Now()
}
