package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ignite/campaign-dispatch/internal/pkg/logger"
)

// Pool tuning defaults. A fresh authenticated relay session per message is
// expensive and itself looks like abuse to providers, so sessions are kept
// warm and recycled on a message cap instead.
const (
	defaultIdleTimeout    = 5 * time.Minute
	defaultSweepInterval  = time.Minute
	defaultMaxMessages    = 100
	defaultMaxConnections = 3
)

// Session is one live authenticated relay connection. A session carries
// SMTP transaction state and must never run two transactions at once; the
// pool enforces that by handing each session to a single holder at a time.
type Session interface {
	// SendMail runs one mail transaction on the session.
	SendMail(ctx context.Context, from string, to []string, raw []byte) error
	Close() error
}

// SessionFactory dials and authenticates a new session.
type SessionFactory func(ctx context.Context, auth SMTPAuth) (Session, error)

// PoolConfig tunes the connection pool. Zero values take the defaults.
type PoolConfig struct {
	IdleTimeout    time.Duration // evict sessions idle past this
	SweepInterval  time.Duration // eviction sweep cadence
	MaxMessages    int           // recycle a session after this many sends
	MaxConnections int           // concurrent sessions per (host, user, bindAddr)
}

type poolEntry struct {
	key      string
	session  Session // nil while the slot's dial is in flight
	lastUsed time.Time
	messages int
	inUse    bool
	broken   bool // close on release instead of returning to the pool
}

// ConnectionPool keeps relay sessions warm, keyed by (host, user, bind
// address). It is process-local and safe for concurrent use. Each pooled
// session has at most one holder; concurrent sends for one identity get
// separate sessions up to MaxConnections, then wait for a release.
// Eviction never races an in-flight send: entries are only closed when
// not held.
type ConnectionPool struct {
	mu      sync.Mutex
	cond    *sync.Cond
	entries map[string][]*poolEntry
	factory SessionFactory
	cfg     PoolConfig
	log     *logger.Logger
	nowFn   func() time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped bool
}

// NewConnectionPool creates a pool and starts its eviction sweep.
func NewConnectionPool(factory SessionFactory, cfg PoolConfig) *ConnectionPool {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = defaultMaxMessages
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = defaultMaxConnections
	}
	p := &ConnectionPool{
		entries: make(map[string][]*poolEntry),
		factory: factory,
		cfg:     cfg,
		log:     logger.Component("smtp-pool"),
		nowFn:   time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	go p.sweepLoop()
	return p
}

func poolKey(auth SMTPAuth) string {
	return auth.Host + "|" + auth.User + "|" + auth.BindAddr
}

// Get returns a session for the given identity, exclusively held by the
// caller until release. A free pooled session is reused; otherwise a new
// one is dialed, up to MaxConnections per identity, after which Get blocks
// for a release or context cancellation. The release func must be called
// exactly once when the send finishes; a non-nil send error retires the
// session instead of returning it to the pool.
func (p *ConnectionPool) Get(ctx context.Context, auth SMTPAuth) (Session, func(sendErr error), error) {
	key := poolKey(auth)

	// Waiters block on the cond, so cancellation has to wake them.
	stop := context.AfterFunc(ctx, func() {
		p.mu.Lock()
		p.cond.Broadcast()
		p.mu.Unlock()
	})
	defer stop()

	p.mu.Lock()
	for {
		if p.stopped {
			p.mu.Unlock()
			return nil, nil, fmt.Errorf("connection pool is shut down")
		}
		if err := ctx.Err(); err != nil {
			p.mu.Unlock()
			return nil, nil, fmt.Errorf("get relay session %s: %w", auth.Host, err)
		}
		if entry := p.freeEntry(key); entry != nil {
			entry.inUse = true
			entry.lastUsed = p.nowFn()
			p.mu.Unlock()
			return entry.session, p.releaseFunc(entry), nil
		}
		if len(p.entries[key]) < p.cfg.MaxConnections {
			break
		}
		// Identity at its connection cap with every session held.
		p.cond.Wait()
	}

	// Reserve the slot before dialing so racing getters cannot blow the
	// cap, then dial outside the lock; relay handshakes are slow.
	entry := &poolEntry{key: key, inUse: true, lastUsed: p.nowFn()}
	p.entries[key] = append(p.entries[key], entry)
	p.mu.Unlock()

	session, err := p.factory(ctx, auth)

	p.mu.Lock()
	if err != nil {
		p.removeEntry(entry)
		p.cond.Broadcast()
		p.mu.Unlock()
		return nil, nil, fmt.Errorf("dial relay %s: %w", auth.Host, err)
	}
	if p.stopped {
		p.removeEntry(entry)
		p.cond.Broadcast()
		p.mu.Unlock()
		session.Close()
		return nil, nil, fmt.Errorf("connection pool is shut down")
	}
	entry.session = session
	entry.lastUsed = p.nowFn()
	p.mu.Unlock()

	p.log.Debug("relay session opened", "host", auth.Host, "user", logger.RedactCredential(auth.User))
	return session, p.releaseFunc(entry), nil
}

// freeEntry picks an unheld, healthy session for the key. Caller holds p.mu.
func (p *ConnectionPool) freeEntry(key string) *poolEntry {
	for _, entry := range p.entries[key] {
		if !entry.inUse && !entry.broken && entry.session != nil {
			return entry
		}
	}
	return nil
}

// removeEntry unlinks the entry from its key's slice. Caller holds p.mu.
func (p *ConnectionPool) removeEntry(entry *poolEntry) {
	list := p.entries[entry.key]
	for i, e := range list {
		if e == entry {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(p.entries, entry.key)
	} else {
		p.entries[entry.key] = list
	}
}

func (p *ConnectionPool) releaseFunc(entry *poolEntry) func(error) {
	var once sync.Once
	return func(sendErr error) {
		once.Do(func() {
			p.mu.Lock()
			entry.inUse = false
			entry.messages++
			entry.lastUsed = p.nowFn()
			if sendErr != nil || entry.messages >= p.cfg.MaxMessages {
				entry.broken = true
			}
			retire := entry.broken
			if retire {
				p.removeEntry(entry)
			}
			p.cond.Broadcast()
			p.mu.Unlock()

			if retire {
				entry.session.Close()
				p.log.Debug("relay session retired", "messages", entry.messages)
			}
		})
	}
}

// Size reports the number of pooled sessions across all identities.
func (p *ConnectionPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, list := range p.entries {
		n += len(list)
	}
	return n
}

func (p *ConnectionPool) sweepLoop() {
	defer close(p.doneCh)
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sweep()
		}
	}
}

// sweep closes sessions idle past the threshold. Held sessions are left
// alone regardless of age.
func (p *ConnectionPool) sweep() {
	cutoff := p.nowFn().Add(-p.cfg.IdleTimeout)

	p.mu.Lock()
	var evicted []*poolEntry
	for _, list := range p.entries {
		for _, entry := range list {
			if !entry.inUse && entry.session != nil && entry.lastUsed.Before(cutoff) {
				evicted = append(evicted, entry)
			}
		}
	}
	for _, entry := range evicted {
		p.removeEntry(entry)
	}
	p.mu.Unlock()

	for _, entry := range evicted {
		entry.session.Close()
	}
	if len(evicted) > 0 {
		p.log.Debug("idle relay sessions evicted", "count", len(evicted))
	}
}

// Shutdown stops the sweep and closes every unheld session, then waits for
// in-flight holders to release until the context expires. Sessions still
// held at expiry are closed by their release funcs.
func (p *ConnectionPool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	p.cond.Broadcast()
	p.mu.Unlock()

	close(p.stopCh)
	<-p.doneCh

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		p.mu.Lock()
		var idle []*poolEntry
		busy := 0
		for _, list := range p.entries {
			for _, entry := range list {
				if !entry.inUse && entry.session != nil {
					idle = append(idle, entry)
				} else {
					entry.broken = true
					busy++
				}
			}
		}
		for _, entry := range idle {
			p.removeEntry(entry)
		}
		p.mu.Unlock()

		for _, entry := range idle {
			entry.session.Close()
		}
		if busy == 0 {
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("pool shutdown: %d sessions still in use: %w", busy, ctx.Err())
		case <-ticker.C:
		}
	}
}
