package server

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/baotiao/zeppelin-gateway/internal/store"
)

// SessionPool holds the backend sessions the gateway works through. One
// session per worker is opened at startup; a request checks one out for its
// whole lifetime, so in-flight concurrency is bounded by the pool size and
// no session is ever shared between two requests.
type SessionPool struct {
	opener   store.Opener
	sessions chan store.Store
	size     int
}

// NewSessionPool opens n sessions through the opener. Sessions get sequence
// numbers 0..n-1; the redis engine derives its per-session lock holder name
// from the sequence. On any open failure the already-opened sessions are
// closed and the error returned.
func NewSessionPool(ctx context.Context, opener store.Opener, n int) (*SessionPool, error) {
	if n < 1 {
		return nil, fmt.Errorf("session pool size %d, want at least 1", n)
	}

	p := &SessionPool{
		opener:   opener,
		sessions: make(chan store.Store, n),
		size:     n,
	}

	for seq := 0; seq < n; seq++ {
		s, err := opener.Open(ctx, seq)
		if err != nil {
			p.closeSessions()
			return nil, fmt.Errorf("open session %d: %w", seq, err)
		}
		p.sessions <- s
	}
	return p, nil
}

// Acquire checks a session out of the pool, blocking until one is free or
// the context ends.
func (p *SessionPool) Acquire(ctx context.Context) (store.Store, error) {
	select {
	case s := <-p.sessions:
		return s, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire session: %w", ctx.Err())
	}
}

// Release returns a session to the pool.
func (p *SessionPool) Release(s store.Store) {
	p.sessions <- s
}

// Size reports the pool capacity.
func (p *SessionPool) Size() int {
	return p.size
}

// Close tears down all sessions, then the opener. Callers must ensure no
// sessions are checked out; Close drains whatever is in the channel.
func (p *SessionPool) Close() error {
	p.closeSessions()
	return p.opener.Close()
}

func (p *SessionPool) closeSessions() {
	for {
		select {
		case s := <-p.sessions:
			if err := s.Close(); err != nil {
				slog.Error("close session error", "error", err)
			}
		default:
			return
		}
	}
}
