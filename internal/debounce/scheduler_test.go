package debounce

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/tbourn/coach-intake/internal/domain"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	c      *fakeClock
	at     time.Time
	f      func()
	active bool
}

func (t *fakeTimer) Stop() bool {
	t.c.mu.Lock()
	defer t.c.mu.Unlock()
	was := t.active
	t.active = false
	return was
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{c: c, at: c.now.Add(d), f: f, active: true}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs due timers in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	keep := c.timers[:0]
	for _, t := range c.timers {
		switch {
		case !t.active:
		case !t.at.After(c.now):
			t.active = false
			due = append(due, t)
		default:
			keep = append(keep, t)
		}
	}
	c.timers = keep
	c.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

type flushCall struct {
	userID string
	texts  []string
}

type recorder struct {
	calls chan flushCall
}

func newRecorder() *recorder { return &recorder{calls: make(chan flushCall, 32)} }

func (r *recorder) flush(_ context.Context, userID string, batch []domain.InboundMessage) error {
	texts := make([]string, len(batch))
	for i, m := range batch {
		texts[i] = m.Text
	}
	r.calls <- flushCall{userID: userID, texts: texts}
	return nil
}

func (r *recorder) next(t *testing.T) flushCall {
	t.Helper()
	select {
	case c := <-r.calls:
		return c
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for flush")
		return flushCall{}
	}
}

func (r *recorder) none(t *testing.T) {
	t.Helper()
	select {
	case c := <-r.calls:
		t.Fatalf("unexpected flush: %+v", c)
	case <-time.After(30 * time.Millisecond):
	}
}

func msg(user, text string, at time.Time) domain.InboundMessage {
	return domain.InboundMessage{UserID: user, Text: text, ArrivalTime: at}
}

func shutdown(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestIngest_BurstCoalescesIntoOneFlush(t *testing.T) {
	clk := newFakeClock()
	rec := newRecorder()
	s := New(Options{MinWait: 15 * time.Second, MaxWait: 2 * time.Minute, Workers: 4, Clock: clk}, rec.flush)
	ctx := context.Background()
	extBefore := testutil.ToFloat64(extensions)

	_ = s.Ingest(ctx, msg("u1", "hey", clk.Now()))
	clk.Advance(5 * time.Second)
	_ = s.Ingest(ctx, msg("u1", "saw your ad", clk.Now()))
	clk.Advance(5 * time.Second)
	_ = s.Ingest(ctx, msg("u1", "how do I join?", clk.Now()))

	// Deadline is now t+25s.
	clk.Advance(14 * time.Second)
	rec.none(t)
	clk.Advance(1 * time.Second)

	call := rec.next(t)
	if call.userID != "u1" {
		t.Fatalf("user = %q", call.userID)
	}
	want := []string{"hey", "saw your ad", "how do I join?"}
	if len(call.texts) != len(want) {
		t.Fatalf("texts = %v", call.texts)
	}
	for i := range want {
		if call.texts[i] != want[i] {
			t.Fatalf("texts[%d] = %q, want %q", i, call.texts[i], want[i])
		}
	}
	if got := testutil.ToFloat64(extensions); got != extBefore+2 {
		t.Fatalf("extensions = %v, want %v", got, extBefore+2)
	}
	rec.none(t)
	shutdown(t, s)
}

func TestIngest_DeadlineCappedAtMaxWait(t *testing.T) {
	clk := newFakeClock()
	rec := newRecorder()
	s := New(Options{MinWait: 15 * time.Second, MaxWait: 30 * time.Second, Workers: 1, Clock: clk}, rec.flush)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = s.Ingest(ctx, msg("chatty", "msg", clk.Now()))
		clk.Advance(10 * time.Second)
	}
	// t=30s: the cap is first arrival + MaxWait.
	call := rec.next(t)
	if len(call.texts) != 3 {
		t.Fatalf("texts = %v", call.texts)
	}
	shutdown(t, s)
}

func TestDelay_Adaptive(t *testing.T) {
	clk := newFakeClock()
	arrival := clk.Now()
	cases := []struct {
		name      string
		lastReply time.Time
		has       bool
		want      time.Duration
	}{
		{"no reply yet", time.Time{}, false, 15 * time.Second},
		{"slow responder", arrival.Add(-40 * time.Second), true, 40 * time.Second},
		{"fast responder", arrival.Add(-3 * time.Second), true, 15 * time.Second},
		{"reply after arrival clamps to zero", arrival.Add(time.Minute), true, 15 * time.Second},
		{"capped at max wait", arrival.Add(-time.Hour), true, 2 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := New(Options{
				MinWait: 15 * time.Second,
				MaxWait: 2 * time.Minute,
				Clock:   clk,
				LastReply: func(context.Context, string) (time.Time, bool) {
					return tc.lastReply, tc.has
				},
			}, newRecorder().flush)
			if got := s.Delay(context.Background(), msg("u", "x", arrival)); got != tc.want {
				t.Fatalf("Delay = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestFlush_SequentialPerUser(t *testing.T) {
	clk := newFakeClock()
	var active, peak int32
	release := make(chan struct{})
	done := make(chan []string, 4)
	first := true
	var mu sync.Mutex

	flush := func(_ context.Context, _ string, batch []domain.InboundMessage) error {
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		mu.Lock()
		block := first
		first = false
		mu.Unlock()
		if block {
			<-release
		}
		texts := make([]string, len(batch))
		for i, m := range batch {
			texts[i] = m.Text
		}
		atomic.AddInt32(&active, -1)
		done <- texts
		return nil
	}
	s := New(Options{MinWait: time.Second, MaxWait: time.Minute, Workers: 4, Clock: clk}, flush)
	ctx := context.Background()

	_ = s.Ingest(ctx, msg("u1", "one", clk.Now()))
	clk.Advance(time.Second) // first flush starts and blocks

	_ = s.Ingest(ctx, msg("u1", "two", clk.Now()))
	clk.Advance(time.Second) // second batch is queued behind the first
	_ = s.Ingest(ctx, msg("u1", "three", clk.Now()))
	clk.Advance(time.Second)

	close(release)
	var got []string
	for len(got) < 3 {
		select {
		case texts := <-done:
			got = append(got, texts...)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out; got %v", got)
		}
	}
	if got[0] != "one" || got[1] != "two" || got[2] != "three" {
		t.Fatalf("order = %v", got)
	}
	if p := atomic.LoadInt32(&peak); p != 1 {
		t.Fatalf("peak concurrent flushes for one user = %d", p)
	}
	shutdown(t, s)
}

// TestFlush_RandomInterleavings drives several users from concurrent
// goroutines with random ingest and clock moves. No user may ever have two
// flushes running, and every message must be flushed exactly once, in the
// order its sender ingested it.
func TestFlush_RandomInterleavings(t *testing.T) {
	const (
		users   = 5
		senders = 4
		ops     = 150
	)
	for seed := int64(1); seed <= 8; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			clk := newFakeClock()

			var mu sync.Mutex
			running := map[string]int{}
			order := map[string][]string{} // user -> texts in flush order
			seen := map[string]int{}
			var overlap atomic.Int32

			flush := func(_ context.Context, userID string, batch []domain.InboundMessage) error {
				mu.Lock()
				running[userID]++
				if running[userID] > 1 {
					overlap.Add(1)
				}
				mu.Unlock()

				time.Sleep(time.Duration(len(batch)%3) * 100 * time.Microsecond)

				mu.Lock()
				for _, m := range batch {
					seen[m.Text]++
					order[userID] = append(order[userID], m.Text)
				}
				running[userID]--
				mu.Unlock()
				return nil
			}
			s := New(Options{MinWait: time.Second, MaxWait: 5 * time.Second, Workers: 3, Clock: clk}, flush)
			ctx := context.Background()

			sent := make([][]string, senders)
			var wg sync.WaitGroup
			for g := 0; g < senders; g++ {
				wg.Add(1)
				go func(g int) {
					defer wg.Done()
					rng := rand.New(rand.NewSource(seed*100 + int64(g)))
					for i := 0; i < ops; i++ {
						switch rng.Intn(3) {
						case 0, 1:
							user := fmt.Sprintf("u%d", rng.Intn(users))
							text := fmt.Sprintf("%s/g%d/%03d", user, g, i)
							if err := s.Ingest(ctx, msg(user, text, clk.Now())); err != nil {
								t.Errorf("Ingest: %v", err)
								return
							}
							sent[g] = append(sent[g], text)
						default:
							clk.Advance(time.Duration(rng.Intn(1500)) * time.Millisecond)
						}
						if rng.Intn(10) == 0 {
							time.Sleep(50 * time.Microsecond)
						}
					}
				}(g)
			}
			wg.Wait()
			shutdown(t, s)

			if n := overlap.Load(); n != 0 {
				t.Fatalf("%d flushes overlapped another flush for the same user", n)
			}
			mu.Lock()
			defer mu.Unlock()
			total := 0
			for g := range sent {
				for _, text := range sent[g] {
					total++
					if seen[text] != 1 {
						t.Fatalf("message %q flushed %d times", text, seen[text])
					}
				}
			}
			if len(seen) != total {
				t.Fatalf("flushed %d distinct messages, ingested %d", len(seen), total)
			}
			// Per sender, a user's messages keep their ingest order.
			for user, texts := range order {
				last := map[string]string{}
				for _, text := range texts {
					sender := text[len(user)+1 : len(text)-4]
					if prev, ok := last[sender]; ok && prev > text {
						t.Fatalf("user %s: %q flushed after %q", user, text, prev)
					}
					last[sender] = text
				}
			}
		})
	}
}

func TestFlush_WorkerPoolBoundsUsers(t *testing.T) {
	clk := newFakeClock()
	var active, peak int32
	release := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(3)

	flush := func(context.Context, string, []domain.InboundMessage) error {
		defer wg.Done()
		n := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		<-release
		atomic.AddInt32(&active, -1)
		return nil
	}
	s := New(Options{MinWait: time.Second, MaxWait: time.Minute, Workers: 2, Clock: clk}, flush)
	for _, u := range []string{"a", "b", "c"} {
		_ = s.Ingest(context.Background(), msg(u, "hi", clk.Now()))
	}
	clk.Advance(time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&active) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if p := atomic.LoadInt32(&peak); p != 2 {
		t.Fatalf("peak = %d, want 2", p)
	}
	close(release)
	wg.Wait()
	shutdown(t, s)
}

func TestFlush_ErrorDiscardsGeneration(t *testing.T) {
	clk := newFakeClock()
	calls := make(chan []string, 4)
	var n int32
	flush := func(_ context.Context, _ string, batch []domain.InboundMessage) error {
		texts := make([]string, len(batch))
		for i, m := range batch {
			texts[i] = m.Text
		}
		calls <- texts
		if atomic.AddInt32(&n, 1) == 1 {
			return errors.New("store down")
		}
		return nil
	}
	before := testutil.ToFloat64(flushes.WithLabelValues("error"))
	s := New(Options{MinWait: time.Second, MaxWait: time.Minute, Workers: 1, Clock: clk}, flush)

	_ = s.Ingest(context.Background(), msg("u1", "lost", clk.Now()))
	clk.Advance(time.Second)
	<-calls

	_ = s.Ingest(context.Background(), msg("u1", "fresh", clk.Now()))
	clk.Advance(time.Second)
	select {
	case texts := <-calls:
		if len(texts) != 1 || texts[0] != "fresh" {
			t.Fatalf("second batch = %v", texts)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out")
	}
	shutdown(t, s)
	if got := testutil.ToFloat64(flushes.WithLabelValues("error")); got != before+1 {
		t.Fatalf("error flushes = %v, want %v", got, before+1)
	}
}

func TestFlush_PanicIsContained(t *testing.T) {
	clk := newFakeClock()
	before := testutil.ToFloat64(flushes.WithLabelValues("error"))
	s := New(Options{MinWait: time.Second, MaxWait: time.Minute, Workers: 1, Clock: clk},
		func(context.Context, string, []domain.InboundMessage) error { panic("boom") })

	_ = s.Ingest(context.Background(), msg("u1", "x", clk.Now()))
	clk.Advance(time.Second)
	shutdown(t, s)
	if got := testutil.ToFloat64(flushes.WithLabelValues("error")); got != before+1 {
		t.Fatalf("error flushes = %v, want %v", got, before+1)
	}
}

func TestShutdown_FlushesPendingAndRejectsNew(t *testing.T) {
	clk := newFakeClock()
	rec := newRecorder()
	s := New(Options{MinWait: time.Minute, MaxWait: 2 * time.Minute, Workers: 2, Clock: clk}, rec.flush)

	_ = s.Ingest(context.Background(), msg("a", "pending a", clk.Now()))
	_ = s.Ingest(context.Background(), msg("b", "pending b", clk.Now()))
	if got := s.Pending(); got != 2 {
		t.Fatalf("Pending = %d, want 2", got)
	}

	shutdown(t, s)

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		seen[rec.next(t).userID] = true
	}
	if !seen["a"] || !seen["b"] {
		t.Fatalf("flushed users = %v", seen)
	}
	if err := s.Ingest(context.Background(), msg("a", "late", clk.Now())); !errors.Is(err, ErrClosed) {
		t.Fatalf("Ingest after shutdown = %v, want ErrClosed", err)
	}

	// Timers stopped by Shutdown never fire again.
	clk.Advance(5 * time.Minute)
	rec.none(t)
}

func TestScheduler_RealClock(t *testing.T) {
	rec := newRecorder()
	s := New(Options{MinWait: 20 * time.Millisecond, MaxWait: time.Second, Workers: 1}, rec.flush)
	_ = s.Ingest(context.Background(), msg("u1", "a", time.Now()))
	_ = s.Ingest(context.Background(), msg("u1", "b", time.Now()))

	call := rec.next(t)
	if len(call.texts) != 2 {
		t.Fatalf("texts = %v", call.texts)
	}
	shutdown(t, s)
	if got := s.Pending(); got != 0 {
		t.Fatalf("Pending = %d after shutdown", got)
	}
}
