// Package poller continuously receives messages and runs each one through
// the pipeline on a bounded pool of workers.
//
// A worker slot is acquired before every receive, so a message is never
// pulled off the queue without capacity to process it, and the next receive
// is issued as soon as any slot frees up. Pipelines run on a context that
// is detached from shutdown: cancelling Run stops receiving, then waits for
// in-flight work to finish.
package poller

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/MozScout/scout-xcode/internal/metrics"
	"github.com/MozScout/scout-xcode/internal/pipeline"
	"github.com/MozScout/scout-xcode/internal/queue"
)

const (
	// DefaultWorkers is the size of the worker pool.
	DefaultWorkers = 4
	// DefaultErrorDelay is the pause after a failed receive.
	DefaultErrorDelay = time.Second
)

// Receiver is the queue as seen by the poller. *queue.Queue satisfies it.
type Receiver interface {
	Receive(ctx context.Context) (*queue.Message, error)
	ExtendVisibility(ctx context.Context, msg queue.Message) error
	VisibilityTimeout() time.Duration
}

// Processor handles one message to completion.
// *pipeline.Orchestrator satisfies it.
type Processor interface {
	Process(ctx context.Context, msg queue.Message) pipeline.Result
}

// Poller feeds a Processor from a Receiver.
type Poller struct {
	receiver   Receiver
	processor  Processor
	workers    int
	errorDelay time.Duration
	heartbeat  time.Duration
	init       func(ctx context.Context) error
}

// Option configures a Poller.
type Option func(*Poller)

// WithWorkers sets the pool size. Values below 1 are ignored.
func WithWorkers(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.workers = n
		}
	}
}

// WithErrorDelay sets the pause after a failed receive.
func WithErrorDelay(d time.Duration) Option {
	return func(p *Poller) { p.errorDelay = d }
}

// WithHeartbeat sets how often an in-flight message's visibility is
// extended. Zero disables the heartbeat. The default is half the
// receiver's visibility timeout.
func WithHeartbeat(d time.Duration) Option {
	return func(p *Poller) { p.heartbeat = d }
}

// WithInitializer runs fn once before the first receive. A failure is
// logged as a warning and polling starts anyway.
func WithInitializer(fn func(ctx context.Context) error) Option {
	return func(p *Poller) { p.init = fn }
}

// New creates a Poller.
func New(receiver Receiver, processor Processor, opts ...Option) *Poller {
	p := &Poller{
		receiver:   receiver,
		processor:  processor,
		workers:    DefaultWorkers,
		errorDelay: DefaultErrorDelay,
		heartbeat:  receiver.VisibilityTimeout() / 2,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls until ctx is cancelled, then waits for in-flight pipelines and
// returns. Receive failures never stop the loop.
func (p *Poller) Run(ctx context.Context) error {
	if p.init != nil {
		if err := p.init(ctx); err != nil {
			log.Warn().Err(err).Msg("Startup initializer failed, polling anyway")
		}
	}

	workCtx := context.WithoutCancel(ctx)
	sem := semaphore.NewWeighted(int64(p.workers))
	var g errgroup.Group

	log.Info().
		Int("workers", p.workers).
		Dur("heartbeat", p.heartbeat).
		Msg("Polling for messages")

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}

		msg, err := p.receiver.Receive(ctx)
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				break
			}
			log.Error().Err(err).Dur("retry_in", p.errorDelay).Msg("Receive failed")
			if !sleep(ctx, p.errorDelay) {
				break
			}
			continue
		}
		if msg == nil {
			sem.Release(1)
			continue
		}

		m := *msg
		g.Go(func() error {
			defer sem.Release(1)
			p.handle(workCtx, m)
			return nil
		})
	}

	log.Info().Msg("Shutdown requested, draining in-flight jobs")
	_ = g.Wait()
	log.Info().Msg("Poller stopped")
	return nil
}

// handle runs one pipeline while a heartbeat keeps the message hidden.
func (p *Poller) handle(ctx context.Context, msg queue.Message) {
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		p.keepAlive(ctx, msg, done)
	}()

	start := time.Now()
	res := p.processor.Process(ctx, msg)
	close(done)
	<-stopped

	log.Info().
		Str("messageId", msg.ID).
		Str("state", string(res.State)).
		Str("outputKey", res.OutputKey).
		Bool("deleted", res.Deleted).
		Dur("elapsed", time.Since(start)).
		Msg("Job finished")
}

func (p *Poller) keepAlive(ctx context.Context, msg queue.Message, done <-chan struct{}) {
	if p.heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(p.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := p.receiver.ExtendVisibility(ctx, msg); err != nil {
				log.Warn().Err(err).Str("messageId", msg.ID).Msg("Visibility heartbeat failed")
				metrics.New(metrics.Namespace).Count("HeartbeatErrors").Flush()
				continue
			}
			log.Debug().Str("messageId", msg.ID).Msg("Visibility extended")
		}
	}
}

// sleep waits for d or ctx; it reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
