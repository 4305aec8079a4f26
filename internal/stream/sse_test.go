package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commodix/access-layer/internal/auth"
)

// brokenWriter fails every body write, like a peer that went away.
type brokenWriter struct {
	header http.Header
}

func (w *brokenWriter) Header() http.Header       { return w.header }
func (w *brokenWriter) Write([]byte) (int, error) { return 0, errors.New("peer gone") }
func (w *brokenWriter) WriteHeader(int)           {}
func (w *brokenWriter) Flush()                    {}

func stubAuthenticator(subject, tenant string) Authenticator {
	return func(ctx context.Context, token string) (*auth.UserInfo, error) {
		return &auth.UserInfo{Subject: subject, Tenant: tenant}, nil
	}
}

func TestSSEWriteFailureEndsConnection(t *testing.T) {
	f, eng := newTestFabric(t, &recordingBus{})
	allowRule(t, eng, "pricing")

	req := httptest.NewRequest(http.MethodGet, "/sse/stream?token=x&topics=pricing.updates.v1", nil)
	done := make(chan struct{})
	go func() {
		f.HandleSSE(stubAuthenticator("alice", "acme"))(&brokenWriter{header: http.Header{}}, req)
		close(done)
	}()

	var conn *Connection
	require.Eventually(t, func() bool {
		subs := f.Registry.Subscribers("pricing.updates.v1")
		if len(subs) == 1 {
			conn = subs[0]
			return true
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	conn.Enqueue([]byte(`{"instrument":"BRN"}`))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not exit after the write failure")
	}

	_, ok := f.Registry.Get(conn.ID)
	assert.False(t, ok, "failed write must destroy the connection")
}
