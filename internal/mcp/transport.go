// ABOUTME: In-process transport delivering HTTP request bodies to a session adapter
// ABOUTME: Close waits for in-flight messages and rejects new ones

package mcp

import (
	"context"
	"errors"
	"sync"

	"github.com/2389/easel-gateway/internal/session"
)

// streamableTransport feeds POSTed messages straight into the adapter. The
// HTTP response carries the reply, so there is no stream to hold open.
type streamableTransport struct {
	mu       sync.RWMutex
	adapter  session.Adapter
	closed   bool
	inflight sync.WaitGroup
}

// NewTransport returns a transport for one Streamable HTTP session.
func NewTransport() session.Transport {
	return &streamableTransport{}
}

func (t *streamableTransport) Connect(a session.Adapter) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return session.ErrTransportClosed
	}
	if t.adapter != nil {
		return errors.New("transport already connected")
	}
	t.adapter = a
	return nil
}

func (t *streamableTransport) Forward(ctx context.Context, msg []byte) ([]byte, error) {
	t.mu.RLock()
	if t.closed || t.adapter == nil {
		t.mu.RUnlock()
		return nil, session.ErrTransportClosed
	}
	adapter := t.adapter
	t.inflight.Add(1)
	t.mu.RUnlock()

	defer t.inflight.Done()
	return adapter.HandleMessage(ctx, msg)
}

func (t *streamableTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return session.ErrTransportClosed
	}
	t.closed = true
	t.mu.Unlock()

	t.inflight.Wait()
	return nil
}
