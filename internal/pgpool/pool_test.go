package pgpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	mu      sync.Mutex
	closed  bool
	pingErr error
	rows    []map[string]any
}

func (c *fakeConn) Query(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	return c.rows, nil
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer counts dials and can be flipped to fail.
type fakeDialer struct {
	mu      sync.Mutex
	dials   int
	failing bool
	pingErr error
}

func (d *fakeDialer) dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.failing {
		return nil, errors.New("connection refused")
	}
	return &fakeConn{pingErr: d.pingErr}, nil
}

func (d *fakeDialer) setFailing(v bool) {
	d.mu.Lock()
	d.failing = v
	d.mu.Unlock()
}

func newTestPool(t *testing.T, d *fakeDialer, min, max int) *Pool {
	t.Helper()
	p := New(d.dial, Options{
		Min:           min,
		Max:           max,
		DialTimeout:   time.Second,
		ProbeInterval: time.Hour, // tests drive Probe explicitly
	}, nil)
	p.Start(context.Background())
	t.Cleanup(p.Close)
	return p
}

func TestAcquireRelease(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, 2, 4)

	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	s := p.Stats()
	if s.InUse != 1 {
		t.Errorf("in_use = %d, want 1", s.InUse)
	}
	p.Release(conn, true)
	s = p.Stats()
	if s.InUse != 0 {
		t.Errorf("in_use after release = %d, want 0", s.InUse)
	}
	if s.Open < 2 {
		t.Errorf("open = %d, want at least min (2)", s.Open)
	}
}

func TestInUseNeverExceedsMax(t *testing.T) {
	const max = 3
	const workers = 10
	d := &fakeDialer{}
	p := newTestPool(t, d, 1, max)

	var inUse, peak atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			conn, err := p.Acquire(ctx)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			cur := inUse.Add(1)
			for {
				old := peak.Load()
				if cur <= old || peak.CompareAndSwap(old, cur) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inUse.Add(-1)
			p.Release(conn, true)
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > max {
		t.Errorf("peak concurrent checkouts = %d, want <= %d", got, max)
	}
}

func TestAcquireTimesOutWhenExhausted(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, 0, 1)

	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, ErrExhausted) {
		t.Errorf("second acquire error = %v, want ErrExhausted", err)
	}

	p.Release(conn, true)
	conn2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	p.Release(conn2, true)
}

func TestFIFOFairness(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, 0, 1)

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conn, err := p.Acquire(context.Background())
			if err != nil {
				t.Errorf("waiter %d: %v", i, err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			p.Release(conn, true)
		}(i)
		// Space out arrivals so queue order is deterministic.
		time.Sleep(30 * time.Millisecond)
	}

	p.Release(held, true)
	wg.Wait()

	if len(order) != 3 || order[0] != 0 || order[1] != 1 || order[2] != 2 {
		t.Errorf("waiter service order = %v, want [0 1 2]", order)
	}
}

func TestUnhealthyReleaseServesWaiter(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, 0, 1)

	held, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	got := make(chan Conn, 1)
	fail := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		conn, err := p.Acquire(ctx)
		if err != nil {
			fail <- err
			return
		}
		got <- conn
	}()
	time.Sleep(50 * time.Millisecond)

	// Discarding the held connection frees the only slot; the waiter
	// must get a freshly dialed replacement, not burn its deadline.
	p.Release(held, false)

	select {
	case conn := <-got:
		p.Release(conn, true)
	case err := <-fail:
		t.Fatalf("waiter failed despite a free slot: %v", err)
	case <-time.After(3 * time.Second):
		t.Fatal("waiter never served")
	}
}

func TestArrivalsQueueBehindWaiters(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, 0, 2)

	c1, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	c2, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	order := make(chan string, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		conn, err := p.Acquire(context.Background())
		if err != nil {
			t.Errorf("waiter: %v", err)
			return
		}
		order <- "waiter"
		time.Sleep(50 * time.Millisecond)
		p.Release(conn, true)
	}()
	time.Sleep(50 * time.Millisecond)

	// Free a slot below Max while the waiter is queued, then race a new
	// arrival against it. The arrival must not dial past the queue.
	p.Release(c1, false)
	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		conn, err := p.Acquire(ctx)
		if err != nil {
			t.Errorf("arrival: %v", err)
			return
		}
		order <- "arrival"
		p.Release(conn, true)
	}()

	wg.Wait()
	p.Release(c2, true)

	if first := <-order; first != "waiter" {
		t.Errorf("first served = %q, want the queued waiter", first)
	}
}

func TestSaturatedPoolDoesNotCountProbeFailures(t *testing.T) {
	d := &fakeDialer{}
	p := New(d.dial, Options{
		Min:           1,
		Max:           1,
		DialTimeout:   time.Second,
		ProbeInterval: time.Hour,
		ProbeTimeout:  50 * time.Millisecond,
	}, nil)
	p.Start(context.Background())
	t.Cleanup(p.Close)

	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := p.Probe(context.Background()); !errors.Is(err, ErrExhausted) {
			t.Fatalf("probe %d over a busy pool = %v, want ErrExhausted", i, err)
		}
	}
	if got := p.Stats().ConsecutiveProbes; got != 0 {
		t.Errorf("busy ticks counted as liveness failures: %d, want 0", got)
	}

	p.Release(conn, true)
	if err := p.Probe(context.Background()); err != nil {
		t.Fatalf("probe after release: %v", err)
	}
	if s := p.Stats(); !s.LastProbeOK || s.ConsecutiveProbes != 0 {
		t.Errorf("after successful probe: ok=%v fails=%d", s.LastProbeOK, s.ConsecutiveProbes)
	}
}

func TestUnhealthyReleaseDiscardsAndReplenishes(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, 2, 4)

	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	before := p.Stats().Open
	p.Release(conn, false)

	if conn.(*fakeConn).IsClosed() != true {
		t.Error("unhealthy connection should be closed on release")
	}

	// The replenish loop should restore the minimum.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s := p.Stats(); s.Open >= s.Min {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Errorf("pool did not replenish to min: open=%d before=%d", p.Stats().Open, before)
}

func TestDegradedStartup(t *testing.T) {
	d := &fakeDialer{failing: true}
	p := newTestPool(t, d, 2, 4)

	if s := p.Stats(); s.Open != 0 {
		t.Fatalf("open = %d on unreachable startup, want 0", s.Open)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); !errors.Is(err, ErrUnavailable) {
		t.Errorf("acquire error = %v, want ErrUnavailable", err)
	}

	// Database comes back; the replenish loop should recover.
	d.setFailing(false)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p.Stats().Open >= 2 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	conn, err := p.Acquire(context.Background())
	if err != nil {
		t.Fatalf("acquire after recovery: %v", err)
	}
	p.Release(conn, true)
}

func TestProbeFailureCounter(t *testing.T) {
	d := &fakeDialer{}
	p := newTestPool(t, d, 1, 2)

	if err := p.Probe(context.Background()); err != nil {
		t.Fatalf("healthy probe: %v", err)
	}
	if s := p.Stats(); !s.LastProbeOK || s.ConsecutiveProbes != 0 {
		t.Errorf("after healthy probe: ok=%v fails=%d", s.LastProbeOK, s.ConsecutiveProbes)
	}

	// Poison every connection and make redials fail.
	d.setFailing(true)
	var held []Conn
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		conn, err := p.Acquire(ctx)
		cancel()
		if err != nil {
			break
		}
		conn.(*fakeConn).pingErr = errors.New("server closed the connection")
		held = append(held, conn)
	}
	for _, conn := range held {
		p.Release(conn, true)
	}

	for i := 1; i <= 3; i++ {
		if err := p.Probe(context.Background()); err == nil {
			t.Fatalf("probe %d unexpectedly succeeded", i)
		}
		if got := p.Stats().ConsecutiveProbes; got != i {
			t.Errorf("consecutive failures after probe %d = %d, want %d", i, got, i)
		}
	}
	if p.Stats().LastProbeOK {
		t.Error("last probe should be marked failed")
	}
}

func TestAcquireCounterUntouchedByFailedAcquire(t *testing.T) {
	d := &fakeDialer{failing: true}
	p := newTestPool(t, d, 0, 2)

	before := p.Stats().Acquires
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(ctx); err == nil {
		t.Fatal("acquire should fail while database is unreachable")
	}
	if after := p.Stats().Acquires; after != before {
		t.Errorf("acquires counter moved on failed acquire: %d -> %d", before, after)
	}
}

func TestCloseRejectsAcquire(t *testing.T) {
	d := &fakeDialer{}
	p := New(d.dial, Options{Min: 1, Max: 2}, nil)
	p.Start(context.Background())
	p.Close()

	if _, err := p.Acquire(context.Background()); !errors.Is(err, ErrClosed) {
		t.Errorf("acquire after close = %v, want ErrClosed", err)
	}
}
