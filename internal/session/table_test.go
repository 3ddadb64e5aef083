// ABOUTME: Tests for the session table and idle reclaimer
// ABOUTME: Uses fake transports that count Close calls and a manual clock

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type echoAdapter struct{ sessionID string }

func (a *echoAdapter) HandleMessage(_ context.Context, msg []byte) ([]byte, error) {
	return append([]byte(a.sessionID+":"), msg...), nil
}

func echoFactory(id string) (Adapter, error) {
	return &echoAdapter{sessionID: id}, nil
}

type fakeTransport struct {
	adapter    Adapter
	closed     atomic.Bool
	closeCalls atomic.Int32
	closeDelay time.Duration
}

func (f *fakeTransport) Connect(a Adapter) error {
	f.adapter = a
	return nil
}

func (f *fakeTransport) Forward(ctx context.Context, msg []byte) ([]byte, error) {
	if f.closed.Load() {
		return nil, ErrTransportClosed
	}
	return f.adapter.HandleMessage(ctx, msg)
}

func (f *fakeTransport) Close() error {
	f.closeCalls.Add(1)
	if f.closeDelay > 0 {
		time.Sleep(f.closeDelay)
	}
	f.closed.Store(true)
	return nil
}

func newTestTable(idle time.Duration) (*Table, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	return NewTable(Config{
		IdleTimeout:  idle,
		CloseTimeout: 50 * time.Millisecond,
		Now:          clock.Now,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}), clock
}

func TestCreateAndRoute(t *testing.T) {
	table, _ := newTestTable(time.Minute)
	tr := &fakeTransport{}

	sess, err := table.Create(tr, echoFactory, "client-1")
	require.NoError(t, err)
	assert.Len(t, sess.ID(), 43)
	assert.Equal(t, "client-1", sess.ClientID())
	assert.Equal(t, 1, table.Len())

	resp, err := table.Route(context.Background(), sess.ID(), []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, sess.ID()+":ping", string(resp))
}

func TestCreateFailures(t *testing.T) {
	table, _ := newTestTable(time.Minute)

	_, err := table.Create(nil, echoFactory, "")
	assert.Error(t, err)

	boom := errors.New("boom")
	_, err = table.Create(&fakeTransport{}, func(string) (Adapter, error) { return nil, boom }, "")
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, table.Len())
}

func TestSessionIDsAreDistinct(t *testing.T) {
	table, _ := newTestTable(time.Minute)

	seen := make(map[string]struct{})
	for range 200 {
		sess, err := table.Create(&fakeTransport{}, echoFactory, "")
		require.NoError(t, err)
		_, dup := seen[sess.ID()]
		require.False(t, dup)
		seen[sess.ID()] = struct{}{}
	}
}

func TestRouteUnknownSession(t *testing.T) {
	table, _ := newTestTable(time.Minute)
	_, err := table.Create(&fakeTransport{}, echoFactory, "")
	require.NoError(t, err)
	before := table.Snapshot()

	_, err = table.Route(context.Background(), "missing", []byte("x"))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, before, table.Snapshot())
}

func TestCloseIsIdempotent(t *testing.T) {
	table, _ := newTestTable(time.Minute)
	tr := &fakeTransport{}
	sess, err := table.Create(tr, echoFactory, "")
	require.NoError(t, err)

	assert.True(t, table.Close(sess.ID()))
	assert.False(t, table.Close(sess.ID()))
	assert.False(t, table.Close("never-existed"))
	assert.Equal(t, int32(1), tr.closeCalls.Load())

	_, err = table.Route(context.Background(), sess.ID(), []byte("x"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSweepEvictsIdleSessions(t *testing.T) {
	table, clock := newTestTable(30 * time.Minute)
	tr := &fakeTransport{}
	sess, err := table.Create(tr, echoFactory, "")
	require.NoError(t, err)

	clock.Advance(31 * time.Minute)
	assert.Equal(t, 1, table.Sweep(clock.Now()))

	_, ok := table.Lookup(sess.ID())
	assert.False(t, ok)
	assert.Equal(t, int32(1), tr.closeCalls.Load())

	// A second sweep and an explicit close do not close it again.
	assert.Zero(t, table.Sweep(clock.Now()))
	table.Close(sess.ID())
	assert.Equal(t, int32(1), tr.closeCalls.Load())
}

func TestActivityResetsIdleClock(t *testing.T) {
	table, clock := newTestTable(30 * time.Minute)
	tr := &fakeTransport{}
	sess, err := table.Create(tr, echoFactory, "")
	require.NoError(t, err)

	clock.Advance(29 * time.Minute)
	_, err = table.Route(context.Background(), sess.ID(), []byte("x"))
	require.NoError(t, err)

	clock.Advance(29 * time.Minute)
	assert.Zero(t, table.Sweep(clock.Now()))

	_, ok := table.Lookup(sess.ID())
	assert.True(t, ok)
	assert.Zero(t, tr.closeCalls.Load())
}

func TestSweepDoesNotWaitOnStuckTransport(t *testing.T) {
	table, clock := newTestTable(time.Minute)
	stuck := &fakeTransport{closeDelay: time.Second}
	fine := &fakeTransport{}
	_, err := table.Create(stuck, echoFactory, "")
	require.NoError(t, err)
	_, err = table.Create(fine, echoFactory, "")
	require.NoError(t, err)

	clock.Advance(2 * time.Minute)
	start := time.Now()
	assert.Equal(t, 2, table.Sweep(clock.Now()))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, int32(1), fine.closeCalls.Load())

	// The table is usable while the stuck close is still running.
	_, err = table.Create(&fakeTransport{}, echoFactory, "")
	assert.NoError(t, err)
}

func TestRouteAfterTransportClosed(t *testing.T) {
	table, _ := newTestTable(time.Minute)
	tr := &fakeTransport{}
	sess, err := table.Create(tr, echoFactory, "")
	require.NoError(t, err)

	// Simulate the sweep closing the transport while a request is in flight.
	require.NoError(t, tr.Close())
	_, err = table.Route(context.Background(), sess.ID(), []byte("x"))
	assert.ErrorIs(t, err, ErrTransportClosed)
}

func TestCloseAll(t *testing.T) {
	table, _ := newTestTable(time.Minute)
	transports := make([]*fakeTransport, 5)
	for i := range transports {
		transports[i] = &fakeTransport{}
		_, err := table.Create(transports[i], echoFactory, "")
		require.NoError(t, err)
	}

	require.NoError(t, table.CloseAll(context.Background()))
	assert.Zero(t, table.Len())
	for _, tr := range transports {
		assert.Equal(t, int32(1), tr.closeCalls.Load())
	}

	assert.NoError(t, table.CloseAll(context.Background()))
}

func TestCloseAllHonoursContext(t *testing.T) {
	table := NewTable(Config{
		CloseTimeout: time.Second,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	_, err := table.Create(&fakeTransport{closeDelay: 500 * time.Millisecond}, echoFactory, "")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, table.CloseAll(ctx), context.DeadlineExceeded)
}

func TestSnapshotOrder(t *testing.T) {
	table, clock := newTestTable(time.Minute)
	first, err := table.Create(&fakeTransport{}, echoFactory, "a")
	require.NoError(t, err)
	clock.Advance(time.Second)
	second, err := table.Create(&fakeTransport{}, echoFactory, "b")
	require.NoError(t, err)

	snap := table.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, first.ID(), snap[0].ID)
	assert.Equal(t, second.ID(), snap[1].ID)
	assert.Equal(t, "b", snap[1].ClientID)
}

func TestReclaimer(t *testing.T) {
	table, clock := newTestTable(time.Minute)
	tr := &fakeTransport{}
	_, err := table.Create(tr, echoFactory, "")
	require.NoError(t, err)

	r := NewReclaimer(table, 5*time.Millisecond, slog.New(slog.NewTextHandler(io.Discard, nil)))
	r.Start()
	r.Start()
	defer r.Stop()

	clock.Advance(2 * time.Minute)
	require.Eventually(t, func() bool { return table.Len() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(1), tr.closeCalls.Load())

	r.Stop()
	r.Stop()
}

func TestReclaimerStopWithoutStart(t *testing.T) {
	table, _ := newTestTable(time.Minute)
	r := NewReclaimer(table, 0, nil)
	assert.NotPanics(t, r.Stop)
}
