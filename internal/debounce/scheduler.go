// Package debounce coalesces bursts of inbound messages per user into a
// single flush.
//
// Each user has a mailbox holding the buffered messages of the current
// generation and at most one pending timer. A new message either arms the
// timer with the adaptive delay or extends the pending deadline; it never
// starts a second timer. When the timer fires the buffer is swapped out under
// the mailbox lock and handed to a per-user drain loop, so flushes for one
// user run strictly in order while messages keep accruing in the next
// generation. Flushes across users share a bounded worker pool.
package debounce

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/tbourn/coach-intake/internal/domain"
)

// ErrClosed is returned by Ingest after Shutdown has started.
var ErrClosed = errors.New("debounce: scheduler closed")

// FlushFunc processes one coalesced batch for a user. Messages are in
// arrival order.
type FlushFunc func(ctx context.Context, userID string, batch []domain.InboundMessage) error

// LastReplyFunc returns the time the user last received a bot reply. The
// boolean is false when there is none.
type LastReplyFunc func(ctx context.Context, userID string) (time.Time, bool)

// Options configures a Scheduler.
type Options struct {
	MinWait      time.Duration
	MaxWait      time.Duration
	Workers      int
	FlushTimeout time.Duration

	Clock     Clock         // defaults to RealClock
	LastReply LastReplyFunc // nil means MinWait always applies
	Logger    *zerolog.Logger
}

var (
	ingested = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "debounce_ingested_total",
		Help: "Messages accepted into a user mailbox.",
	})
	extensions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "debounce_extensions_total",
		Help: "Pending timers whose deadline was pushed back by a new message.",
	})
	flushes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "debounce_flushes_total",
		Help: "Completed flushes by outcome.",
	}, []string{"outcome"})
	inflight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "debounce_inflight_flushes",
		Help: "Flushes currently executing.",
	})
	batchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "debounce_batch_messages",
		Help:    "Messages per flushed batch.",
		Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
	})
)

func init() {
	prometheus.MustRegister(ingested, extensions, flushes, inflight, batchSize)
}

type mailbox struct {
	mu sync.Mutex

	buf          []domain.InboundMessage
	timer        Timer
	gen          uint64 // bumped whenever the pending timer is replaced or consumed
	deadline     time.Time
	firstArrival time.Time

	queue    [][]domain.InboundMessage
	flushing bool
	dead     bool // removed from the scheduler map
}

func (mb *mailbox) idle() bool {
	return mb.timer == nil && len(mb.buf) == 0 && len(mb.queue) == 0 && !mb.flushing
}

// Scheduler buffers messages per user and flushes them after a quiet period.
type Scheduler struct {
	opts  Options
	flush FlushFunc
	clock Clock
	log   zerolog.Logger
	sem   *semaphore.Weighted

	mu        sync.Mutex
	mailboxes map[string]*mailbox
	closed    atomic.Bool

	wg sync.WaitGroup
}

// New returns a Scheduler that hands batches to flush.
func New(opts Options, flush FlushFunc) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.MaxWait < opts.MinWait {
		opts.MaxWait = opts.MinWait
	}
	clock := opts.Clock
	if clock == nil {
		clock = RealClock
	}
	lg := log.With().Str("component", "debounce").Logger()
	if opts.Logger != nil {
		lg = *opts.Logger
	}
	return &Scheduler{
		opts:      opts,
		flush:     flush,
		clock:     clock,
		log:       lg,
		sem:       semaphore.NewWeighted(int64(opts.Workers)),
		mailboxes: make(map[string]*mailbox),
	}
}

// Delay is the adaptive delay for msg: the larger of MinWait and the time
// since the last bot reply, never more than MaxWait.
func (s *Scheduler) Delay(ctx context.Context, msg domain.InboundMessage) time.Duration {
	d := s.opts.MinWait
	if s.opts.LastReply != nil {
		if last, ok := s.opts.LastReply(ctx, msg.UserID); ok {
			arrival := msg.ArrivalTime
			if arrival.IsZero() {
				arrival = s.clock.Now()
			}
			d = max(d, max(arrival.Sub(last), 0))
		}
	}
	return min(d, s.opts.MaxWait)
}

// Ingest buffers msg and arms or extends the user's timer.
func (s *Scheduler) Ingest(ctx context.Context, msg domain.InboundMessage) error {
	if s.closed.Load() {
		return ErrClosed
	}
	delay := s.Delay(ctx, msg)

	for {
		mb, err := s.mailbox(msg.UserID)
		if err != nil {
			return err
		}
		mb.mu.Lock()
		if mb.dead {
			mb.mu.Unlock()
			continue
		}
		if s.closed.Load() {
			mb.mu.Unlock()
			return ErrClosed
		}
		s.bufferLocked(msg.UserID, mb, msg, delay)
		mb.mu.Unlock()
		ingested.Inc()
		return nil
	}
}

func (s *Scheduler) mailbox(userID string) (*mailbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed.Load() {
		return nil, ErrClosed
	}
	mb, ok := s.mailboxes[userID]
	if !ok {
		mb = &mailbox{}
		s.mailboxes[userID] = mb
	}
	return mb, nil
}

// bufferLocked appends msg and arms or extends the timer. mb.mu must be held.
func (s *Scheduler) bufferLocked(userID string, mb *mailbox, msg domain.InboundMessage, delay time.Duration) {
	now := s.clock.Now()
	mb.buf = append(mb.buf, msg)

	if mb.timer == nil {
		mb.firstArrival = now
		s.armLocked(userID, mb, now.Add(delay), now)
		return
	}

	remaining := max(mb.deadline.Sub(now), 0)
	next := now.Add(max(remaining, delay))
	if limit := mb.firstArrival.Add(s.opts.MaxWait); next.After(limit) {
		next = limit
	}
	if !next.After(mb.deadline) {
		return
	}
	mb.timer.Stop()
	s.armLocked(userID, mb, next, now)
	extensions.Inc()
}

func (s *Scheduler) armLocked(userID string, mb *mailbox, deadline, now time.Time) {
	mb.gen++
	gen := mb.gen
	mb.deadline = deadline
	mb.timer = s.clock.AfterFunc(deadline.Sub(now), func() { s.fire(userID, mb, gen) })
}

func (s *Scheduler) fire(userID string, mb *mailbox, gen uint64) {
	mb.mu.Lock()
	if mb.gen != gen || mb.timer == nil {
		mb.mu.Unlock()
		return
	}
	start := s.takeLocked(mb)
	mb.mu.Unlock()
	if start {
		go s.drain(userID, mb)
	}
}

// takeLocked moves the current generation onto the flush queue. It reports
// whether the caller must start a drain loop.
func (s *Scheduler) takeLocked(mb *mailbox) bool {
	if mb.timer != nil {
		mb.timer.Stop()
		mb.timer = nil
	}
	mb.gen++
	batch := mb.buf
	mb.buf = nil
	if len(batch) > 0 {
		mb.queue = append(mb.queue, batch)
	}
	if mb.flushing || len(mb.queue) == 0 {
		return false
	}
	mb.flushing = true
	s.wg.Add(1)
	return true
}

// drain runs the user's queued batches one after another.
func (s *Scheduler) drain(userID string, mb *mailbox) {
	defer s.wg.Done()
	for {
		mb.mu.Lock()
		if len(mb.queue) == 0 {
			mb.flushing = false
			idle := mb.idle()
			mb.mu.Unlock()
			if idle {
				s.recycle(userID, mb)
			}
			return
		}
		batch := mb.queue[0]
		mb.queue = mb.queue[1:]
		mb.mu.Unlock()

		s.run(userID, batch)
	}
}

func (s *Scheduler) recycle(userID string, mb *mailbox) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.idle() && s.mailboxes[userID] == mb {
		delete(s.mailboxes, userID)
		mb.dead = true
	}
}

func (s *Scheduler) run(userID string, batch []domain.InboundMessage) {
	_ = s.sem.Acquire(context.Background(), 1)
	defer s.sem.Release(1)

	inflight.Inc()
	defer inflight.Dec()
	batchSize.Observe(float64(len(batch)))

	ctx := context.Background()
	if s.opts.FlushTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.FlushTimeout)
		defer cancel()
	}

	if err := s.safeFlush(ctx, userID, batch); err != nil {
		flushes.WithLabelValues("error").Inc()
		s.log.Error().Err(err).
			Str("user_id", userID).
			Int("messages", len(batch)).
			Msg("flush failed; batch discarded")
		return
	}
	flushes.WithLabelValues("ok").Inc()
}

func (s *Scheduler) safeFlush(ctx context.Context, userID string, batch []domain.InboundMessage) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("flush panic: %v", r)
		}
	}()
	return s.flush(ctx, userID, batch)
}

// Pending returns the number of users with buffered or queued messages.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	mbs := make([]*mailbox, 0, len(s.mailboxes))
	for _, mb := range s.mailboxes {
		mbs = append(mbs, mb)
	}
	s.mu.Unlock()

	n := 0
	for _, mb := range mbs {
		mb.mu.Lock()
		if len(mb.buf) > 0 || len(mb.queue) > 0 {
			n++
		}
		mb.mu.Unlock()
	}
	return n
}

// Shutdown stops accepting messages, flushes every pending mailbox now and
// waits for in-flight flushes or ctx expiry.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed.Swap(true) {
		s.mu.Unlock()
		return s.wait(ctx)
	}
	users := make(map[string]*mailbox, len(s.mailboxes))
	for id, mb := range s.mailboxes {
		users[id] = mb
	}
	s.mu.Unlock()

	fired := 0
	for id, mb := range users {
		mb.mu.Lock()
		pending := mb.timer != nil
		start := pending && s.takeLocked(mb)
		mb.mu.Unlock()
		if pending {
			fired++
		}
		if start {
			go s.drain(id, mb)
		}
	}
	s.log.Info().Int("mailboxes", fired).Msg("debounce shutdown: flushing pending mailboxes")
	return s.wait(ctx)
}

func (s *Scheduler) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
