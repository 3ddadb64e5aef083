// ABOUTME: Session table mapping opaque session IDs to live transports
// ABOUTME: Owns creation, routing, idle eviction and shutdown of every session

package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Session errors. ErrNotFound means the caller must start a new session.
var (
	ErrNotFound        = errors.New("session not found")
	ErrTransportClosed = errors.New("transport closed")
)

// idSize is the number of random bytes in a session ID.
const idSize = 32

// Adapter handles protocol messages for one session. It is bound to the
// secret resolved when the session was opened.
type Adapter interface {
	HandleMessage(ctx context.Context, msg []byte) ([]byte, error)
}

// AdapterFactory builds the adapter for a new session.
type AdapterFactory func(sessionID string) (Adapter, error)

// Transport carries messages into a session. Forward after Close must
// return ErrTransportClosed.
type Transport interface {
	Connect(Adapter) error
	Forward(ctx context.Context, msg []byte) ([]byte, error)
	Close() error
}

// Session is one live connection context. Fields other than lastActivity
// are fixed at creation.
type Session struct {
	id        string
	clientID  string
	transport Transport
	createdAt time.Time

	// forwardMu serialises calls into the transport.
	forwardMu    sync.Mutex
	lastActivity time.Time // guarded by Table.mu
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// ClientID returns the OAuth client that opened the session, if any.
func (s *Session) ClientID() string { return s.clientID }

// Info is a point-in-time view of a session for status and admin listings.
type Info struct {
	ID           string    `json:"id"`
	ClientID     string    `json:"client_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Config configures a Table.
type Config struct {
	IdleTimeout  time.Duration
	CloseTimeout time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

// Table holds every live session.
type Table struct {
	idleTimeout  time.Duration
	closeTimeout time.Duration
	now          func() time.Time
	logger       *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewTable creates an empty table.
func NewTable(cfg Config) *Table {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = 5 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Table{
		idleTimeout:  cfg.IdleTimeout,
		closeTimeout: cfg.CloseTimeout,
		now:          cfg.Now,
		logger:       cfg.Logger,
		sessions:     make(map[string]*Session),
	}
}

func newSessionID() (string, error) {
	buf := make([]byte, idSize)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// Create opens a session on transport with an adapter from factory. The
// session is in the table when Create returns, so its ID may be handed to
// the client straight away.
func (t *Table) Create(transport Transport, factory AdapterFactory, clientID string) (*Session, error) {
	if transport == nil || factory == nil {
		return nil, errors.New("transport and adapter factory are required")
	}

	id, err := newSessionID()
	if err != nil {
		return nil, err
	}

	adapter, err := factory(id)
	if err != nil {
		return nil, fmt.Errorf("building adapter: %w", err)
	}
	if err := transport.Connect(adapter); err != nil {
		return nil, fmt.Errorf("connecting transport: %w", err)
	}

	now := t.now()
	sess := &Session{
		id:           id,
		clientID:     clientID,
		transport:    transport,
		createdAt:    now,
		lastActivity: now,
	}

	t.mu.Lock()
	t.sessions[id] = sess
	count := len(t.sessions)
	t.mu.Unlock()

	t.logger.Info("session created", "session_id", id, "client_id", clientID, "sessions", count)
	return sess, nil
}

// Route bumps the session's activity and forwards msg to its transport.
// Unknown IDs fail with ErrNotFound and leave the table untouched.
func (t *Table) Route(ctx context.Context, id string, msg []byte) ([]byte, error) {
	t.mu.Lock()
	sess, ok := t.sessions[id]
	if ok {
		sess.lastActivity = t.now()
	}
	t.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}

	sess.forwardMu.Lock()
	defer sess.forwardMu.Unlock()
	return sess.transport.Forward(ctx, msg)
}

// Lookup returns the session with id.
func (t *Table) Lookup(id string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sess, ok := t.sessions[id]
	return sess, ok
}

// Close removes the session and waits for its transport to close. Closing
// an unknown session is a no-op; the return value reports whether anything
// was removed.
func (t *Table) Close(id string) bool {
	t.mu.Lock()
	sess, ok := t.sessions[id]
	delete(t.sessions, id)
	t.mu.Unlock()

	if !ok {
		return false
	}
	t.closeTransport(sess, "closed")
	return true
}

// Sweep evicts every session idle for longer than the idle timeout as of
// now, and returns how many were evicted. Transports are closed in
// parallel after the table lock is released; each close is bounded by the
// close timeout.
func (t *Table) Sweep(now time.Time) int {
	var stale []*Session

	t.mu.Lock()
	for id, sess := range t.sessions {
		if now.Sub(sess.lastActivity) > t.idleTimeout {
			stale = append(stale, sess)
			delete(t.sessions, id)
		}
	}
	t.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range stale {
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.closeTransport(sess, "idle")
		}()
	}
	wg.Wait()

	return len(stale)
}

// CloseAll closes every session. It returns ctx.Err() if ctx ends before all
// transports have closed.
func (t *Table) CloseAll(ctx context.Context) error {
	t.mu.Lock()
	all := make([]*Session, 0, len(t.sessions))
	for _, sess := range t.sessions {
		all = append(all, sess)
	}
	clear(t.sessions)
	t.mu.Unlock()

	if len(all) == 0 {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, sess := range all {
			wg.Add(1)
			go func() {
				defer wg.Done()
				t.closeTransport(sess, "shutdown")
			}()
		}
		wg.Wait()
	}()

	select {
	case <-done:
		t.logger.Info("all sessions closed", "count", len(all))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// closeTransport closes the session's transport, giving up after the close
// timeout. A transport that does not return in time is abandoned.
func (t *Table) closeTransport(sess *Session, reason string) {
	errCh := make(chan error, 1)
	go func() { errCh <- sess.transport.Close() }()

	timer := time.NewTimer(t.closeTimeout)
	defer timer.Stop()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, ErrTransportClosed) {
			t.logger.Warn("session transport close failed", "session_id", sess.id, "reason", reason, "error", err)
			return
		}
		t.logger.Info("session closed", "session_id", sess.id, "reason", reason)
	case <-timer.C:
		t.logger.Warn("session transport close timed out", "session_id", sess.id, "reason", reason, "timeout", t.closeTimeout)
	}
}

// Len returns the number of live sessions.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// Snapshot lists live sessions, oldest first.
func (t *Table) Snapshot() []Info {
	t.mu.Lock()
	out := make([]Info, 0, len(t.sessions))
	for _, sess := range t.sessions {
		out = append(out, Info{
			ID:           sess.id,
			ClientID:     sess.clientID,
			CreatedAt:    sess.createdAt,
			LastActivity: sess.lastActivity,
		})
	}
	t.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// IdleTimeout returns the configured idle threshold.
func (t *Table) IdleTimeout() time.Duration {
	return t.idleTimeout
}
