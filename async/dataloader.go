package async

import (
	"context"
	"io"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/tsawler/go-demoire/training"
)

// ErrClosed is returned by a Prefetcher after Close.
var ErrClosed = errors.New("prefetcher is closed")

type result struct {
	batch *training.Batch
	err   error
}

// Prefetcher loads batches from a BatchSource in a background goroutine
// while the caller trains on earlier ones. Batches come out in source
// order; to the caller it is an ordinary BatchSource.
type Prefetcher struct {
	source training.BatchSource
	depth  int

	mutex    sync.Mutex
	results  chan result
	cancel   context.CancelFunc
	done     chan struct{}
	terminal error // sticky end-of-pass or failure
	closed   bool

	// Statistics
	produced atomic.Uint64
	passes   uint64
}

// NewPrefetcher creates a prefetcher holding up to depth ready batches.
// Nothing is loaded until Reset.
func NewPrefetcher(source training.BatchSource, depth int) *Prefetcher {
	if depth <= 0 {
		depth = 2
	}
	return &Prefetcher{source: source, depth: depth, terminal: io.EOF}
}

// Reset stops any pass in flight, discards its queued batches, resets the
// source and starts loading a new pass.
func (p *Prefetcher) Reset() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return ErrClosed
	}
	p.stop()
	if err := p.source.Reset(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.results = make(chan result, p.depth)
	p.cancel = cancel
	p.done = make(chan struct{})
	p.terminal = nil
	p.passes++
	go p.worker(ctx, p.results, p.done)
	return nil
}

// Next returns the next batch of the current pass. Once the pass ends
// every call returns io.EOF, or the error that ended it.
func (p *Prefetcher) Next() (*training.Batch, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.closed {
		return nil, ErrClosed
	}
	if p.terminal != nil {
		return nil, p.terminal
	}
	r := <-p.results
	if r.err != nil {
		p.terminal = r.err
		return nil, r.err
	}
	return r.batch, nil
}

// Len forwards the source's batch count when it has one.
func (p *Prefetcher) Len() int {
	if l, ok := p.source.(interface{ Len() int }); ok {
		return l.Len()
	}
	return 0
}

// Close stops the background goroutine. The source is left as is.
func (p *Prefetcher) Close() error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.stop()
	p.closed = true
	return nil
}

// stop cancels the worker and waits for it to exit. Callers hold mutex.
func (p *Prefetcher) stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
	p.cancel = nil
	p.results = nil
	p.terminal = io.EOF
}

// worker runs in background to load batches until the source is exhausted,
// fails, or the pass is cancelled.
func (p *Prefetcher) worker(ctx context.Context, out chan<- result, done chan<- struct{}) {
	defer close(done)

	for {
		if ctx.Err() != nil {
			return
		}
		batch, err := p.source.Next()
		r := result{batch: batch, err: err}
		if err != nil && err != io.EOF {
			r.err = errors.Wrap(err, "prefetch failed")
		}

		select {
		case out <- r:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
		p.produced.Add(1)
	}
}

// Stats returns statistics about the prefetcher
func (p *Prefetcher) Stats() PrefetcherStats {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return PrefetcherStats{
		IsRunning:       p.cancel != nil && p.terminal == nil,
		BatchesProduced: p.produced.Load(),
		QueuedBatches:   len(p.results),
		QueueCapacity:   p.depth,
		Passes:          p.passes,
	}
}

// PrefetcherStats provides statistics about the prefetcher
type PrefetcherStats struct {
	IsRunning       bool
	BatchesProduced uint64
	QueuedBatches   int
	QueueCapacity   int
	Passes          uint64
}
