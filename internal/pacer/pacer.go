package pacer

import (
	"context"
	"sync"
	"time"
)

// DefaultInterval is the reference tick interval.
const DefaultInterval = 10 * time.Millisecond

// Pacer reveals one message's text on a fixed tick. Its ticker runs only while
// the reveal is behind the target and stops once caught up.
type Pacer struct {
	interval time.Duration
	onReveal func(revealed string)

	mu      sync.Mutex
	emitMu  sync.Mutex // keeps onReveal calls in tick order across restarts
	buf     *Buffer
	running bool
	stopped bool
	idle    chan struct{} // closed whenever the reveal is caught up
	stop    chan struct{}
	wg      sync.WaitGroup
}

// New creates a pacer for a streaming message. onReveal (may be nil) receives
// the visible prefix after every advancing tick; it runs on the pacer's
// goroutine and must not block for long.
func New(interval time.Duration, divisor int, onReveal func(string)) *Pacer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	idle := make(chan struct{})
	close(idle)
	return &Pacer{
		interval: interval,
		onReveal: onReveal,
		buf:      NewBuffer(divisor),
		idle:     idle,
		stop:     make(chan struct{}),
	}
}

// Update sets the target text and resumes ticking if it is ahead of the reveal.
func (p *Pacer) Update(target string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.buf.SetTarget(target)
	if p.stopped || p.running || p.buf.Done() {
		return
	}

	p.running = true
	p.idle = make(chan struct{})
	p.wg.Add(1)
	go p.run(p.idle)
}

func (p *Pacer) run(idle chan struct{}) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			p.mu.Lock()
			p.running = false
			close(idle)
			p.mu.Unlock()
			return
		case <-ticker.C:
			p.mu.Lock()
			advanced := p.buf.Tick()
			revealed := p.buf.Revealed()
			done := p.buf.Done()
			if done {
				p.running = false
			}
			p.emitMu.Lock()
			p.mu.Unlock()

			if advanced && p.onReveal != nil {
				p.onReveal(revealed)
			}
			p.emitMu.Unlock()

			if done {
				close(idle)
				return
			}
		}
	}
}

// Revealed returns the visible prefix.
func (p *Pacer) Revealed() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buf.Revealed()
}

// Idle reports whether the reveal has caught up and no ticker is running.
func (p *Pacer) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.running
}

// Wait blocks until the reveal catches up with the current target.
func (p *Pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	idle := p.idle
	p.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop halts ticking for good. The revealed prefix stays where it was.
func (p *Pacer) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.stop)
	p.mu.Unlock()

	p.wg.Wait()
}
