package transport

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	id     int
	mu     sync.Mutex
	closed bool
	sends  int
}

func (s *fakeSession) SendMail(ctx context.Context, from string, to []string, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sends++
	return nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeFactory struct {
	mu       sync.Mutex
	dials    int
	sessions []*fakeSession
}

func (f *fakeFactory) dial(ctx context.Context, auth SMTPAuth) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	s := &fakeSession{id: f.dials}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func testAuth(host, user string) SMTPAuth {
	return SMTPAuth{Host: host, Port: 587, User: user, Password: "secret"}
}

func TestPoolReusesSessionByKey(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewConnectionPool(factory.dial, PoolConfig{})
	defer pool.Shutdown(context.Background())
	ctx := context.Background()

	s1, release1, err := pool.Get(ctx, testAuth("relay.example.org", "alice"))
	require.NoError(t, err)
	release1(nil)

	s2, release2, err := pool.Get(ctx, testAuth("relay.example.org", "alice"))
	require.NoError(t, err)
	release2(nil)

	assert.Same(t, s1, s2, "same identity should reuse one session")
	assert.Equal(t, 1, factory.dials)
}

func TestPoolSeparatesKeys(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewConnectionPool(factory.dial, PoolConfig{})
	defer pool.Shutdown(context.Background())
	ctx := context.Background()

	_, r1, err := pool.Get(ctx, testAuth("relay.example.org", "alice"))
	require.NoError(t, err)
	r1(nil)
	_, r2, err := pool.Get(ctx, testAuth("relay.example.org", "bob"))
	require.NoError(t, err)
	r2(nil)
	_, r3, err := pool.Get(ctx, testAuth("other.example.org", "alice"))
	require.NoError(t, err)
	r3(nil)

	assert.Equal(t, 3, factory.dials)
	assert.Equal(t, 3, pool.Size())
}

func TestPoolRetiresSessionOnSendError(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewConnectionPool(factory.dial, PoolConfig{})
	defer pool.Shutdown(context.Background())
	ctx := context.Background()

	_, release, err := pool.Get(ctx, testAuth("relay.example.org", "alice"))
	require.NoError(t, err)
	release(fmt.Errorf("broken pipe"))

	assert.Equal(t, 0, pool.Size())
	assert.True(t, factory.sessions[0].isClosed())

	// Next Get dials fresh.
	_, release, err = pool.Get(ctx, testAuth("relay.example.org", "alice"))
	require.NoError(t, err)
	release(nil)
	assert.Equal(t, 2, factory.dials)
}

func TestPoolRecyclesAtMessageCap(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewConnectionPool(factory.dial, PoolConfig{MaxMessages: 2})
	defer pool.Shutdown(context.Background())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, release, err := pool.Get(ctx, testAuth("relay.example.org", "alice"))
		require.NoError(t, err)
		release(nil)
	}
	assert.Equal(t, 0, pool.Size(), "session at the cap is retired")
	assert.True(t, factory.sessions[0].isClosed())

	_, release, err := pool.Get(ctx, testAuth("relay.example.org", "alice"))
	require.NoError(t, err)
	release(nil)
	assert.Equal(t, 2, factory.dials)
}

func TestPoolEvictsIdleSessions(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewConnectionPool(factory.dial, PoolConfig{
		IdleTimeout:   5 * time.Minute,
		SweepInterval: time.Hour, // sweep manually
	})
	defer pool.Shutdown(context.Background())
	ctx := context.Background()

	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	pool.nowFn = func() time.Time { return base }

	_, release, err := pool.Get(ctx, testAuth("relay.example.org", "alice"))
	require.NoError(t, err)
	release(nil)
	require.Equal(t, 1, pool.Size())

	// Not yet idle long enough.
	pool.nowFn = func() time.Time { return base.Add(4 * time.Minute) }
	pool.sweep()
	assert.Equal(t, 1, pool.Size())

	// Past the threshold.
	pool.nowFn = func() time.Time { return base.Add(10 * time.Minute) }
	pool.sweep()
	assert.Equal(t, 0, pool.Size())
	assert.True(t, factory.sessions[0].isClosed())
}

func TestPoolSweepSparesInUseSessions(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewConnectionPool(factory.dial, PoolConfig{
		IdleTimeout:   5 * time.Minute,
		SweepInterval: time.Hour,
	})
	defer pool.Shutdown(context.Background())
	ctx := context.Background()

	base := time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)
	pool.nowFn = func() time.Time { return base }

	_, release, err := pool.Get(ctx, testAuth("relay.example.org", "alice"))
	require.NoError(t, err)

	// Well past the idle threshold, but the send is still in flight.
	pool.nowFn = func() time.Time { return base.Add(time.Hour) }
	pool.sweep()
	assert.Equal(t, 1, pool.Size(), "in-use session must not be evicted")
	assert.False(t, factory.sessions[0].isClosed())

	release(nil)
}

type overlapSession struct {
	mu      sync.Mutex
	active  int
	maxSeen int
	closed  bool
}

func (s *overlapSession) SendMail(ctx context.Context, from string, to []string, raw []byte) error {
	s.mu.Lock()
	s.active++
	if s.active > s.maxSeen {
		s.maxSeen = s.active
	}
	s.mu.Unlock()
	time.Sleep(5 * time.Millisecond)
	s.mu.Lock()
	s.active--
	s.mu.Unlock()
	return nil
}

func (s *overlapSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func TestPoolHoldsSessionsExclusively(t *testing.T) {
	var mu sync.Mutex
	var sessions []*overlapSession
	factory := func(ctx context.Context, auth SMTPAuth) (Session, error) {
		s := &overlapSession{}
		mu.Lock()
		sessions = append(sessions, s)
		mu.Unlock()
		return s, nil
	}
	pool := NewConnectionPool(factory, PoolConfig{MaxConnections: 2})
	defer pool.Shutdown(context.Background())
	ctx := context.Background()
	auth := testAuth("relay.example.org", "alice")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sess, release, err := pool.Get(ctx, auth)
			if err != nil {
				t.Error(err)
				return
			}
			release(sess.SendMail(ctx, "a@example.org", []string{"b@example.org"}, []byte("x")))
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.LessOrEqual(t, len(sessions), 2, "identity stays within its connection cap")
	for _, s := range sessions {
		assert.LessOrEqual(t, s.maxSeen, 1, "one session must never run overlapping mail transactions")
	}
}

func TestPoolDialsSecondSessionForBusyKey(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewConnectionPool(factory.dial, PoolConfig{})
	defer pool.Shutdown(context.Background())
	ctx := context.Background()

	s1, release1, err := pool.Get(ctx, testAuth("relay.example.org", "alice"))
	require.NoError(t, err)

	// First session is mid-transaction; the same identity gets its own.
	s2, release2, err := pool.Get(ctx, testAuth("relay.example.org", "alice"))
	require.NoError(t, err)
	assert.NotSame(t, s1, s2)
	assert.Equal(t, 2, factory.dials)
	assert.Equal(t, 2, pool.Size())

	release1(nil)
	release2(nil)
}

func TestPoolCapBlocksUntilRelease(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewConnectionPool(factory.dial, PoolConfig{MaxConnections: 1})
	defer pool.Shutdown(context.Background())
	ctx := context.Background()

	s1, release1, err := pool.Get(ctx, testAuth("relay.example.org", "alice"))
	require.NoError(t, err)

	got := make(chan Session, 1)
	go func() {
		s2, release2, err := pool.Get(ctx, testAuth("relay.example.org", "alice"))
		if err != nil {
			t.Error(err)
			close(got)
			return
		}
		release2(nil)
		got <- s2
	}()

	select {
	case <-got:
		t.Fatal("Get returned while the only session was still held")
	case <-time.After(50 * time.Millisecond):
	}

	release1(nil)
	select {
	case s2 := <-got:
		assert.Same(t, s1, s2)
		assert.Equal(t, 1, factory.dials)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never acquired the released session")
	}
}

func TestPoolGetCancelWhileWaiting(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewConnectionPool(factory.dial, PoolConfig{MaxConnections: 1})
	defer pool.Shutdown(context.Background())

	_, release, err := pool.Get(context.Background(), testAuth("relay.example.org", "alice"))
	require.NoError(t, err)
	defer release(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, _, err = pool.Get(ctx, testAuth("relay.example.org", "alice"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolShutdown(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewConnectionPool(factory.dial, PoolConfig{})
	ctx := context.Background()

	_, release, err := pool.Get(ctx, testAuth("relay.example.org", "alice"))
	require.NoError(t, err)
	release(nil)
	_, release, err = pool.Get(ctx, testAuth("relay.example.org", "bob"))
	require.NoError(t, err)
	release(nil)

	require.NoError(t, pool.Shutdown(ctx))
	for _, s := range factory.sessions {
		assert.True(t, s.isClosed())
	}

	_, _, err = pool.Get(ctx, testAuth("relay.example.org", "alice"))
	assert.Error(t, err, "pool rejects use after shutdown")
}

func TestPoolShutdownWaitsForHolders(t *testing.T) {
	factory := &fakeFactory{}
	pool := NewConnectionPool(factory.dial, PoolConfig{})
	ctx := context.Background()

	_, release, err := pool.Get(ctx, testAuth("relay.example.org", "alice"))
	require.NoError(t, err)

	go func() {
		time.Sleep(100 * time.Millisecond)
		release(nil)
	}()

	deadline, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(deadline))
	assert.True(t, factory.sessions[0].isClosed())
}
