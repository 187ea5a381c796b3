package client

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/coriolis-automation/goeip/internal"
	"github.com/coriolis-automation/goeip/pkg/session"
)

// fastUnconnectedConfig builds a Config with short timeouts and unconnected
// messaging, so a factory attempt against a fake (or refusing) gateway
// resolves quickly instead of waiting out the real PLC-facing defaults.
func fastUnconnectedConfig(address string) session.Config {
	cfg := session.DefaultConfig(address)
	no := false
	cfg.UseConnectedMsg = &no
	cfg.RegisterTimeout = 200 * time.Millisecond
	cfg.RequestTimeout = 200 * time.Millisecond
	cfg.ConnectTimeout = 200 * time.Millisecond
	return cfg
}

func TestReconnectingClient_Retry(t *testing.T) {
	gw := newFakeGatewayRefusing(t, 2) // first two connection attempts get dropped after accept

	var attempts int32
	factory := func(address string, logger internal.Logger) (*Client, error) {
		atomic.AddInt32(&attempts, 1)
		return NewClientWithConfig(fastUnconnectedConfig(gw.addr()), logger)
	}

	rc, err := NewReconnectingClient(gw.addr(), nil,
		WithClientFactory(factory),
		WithMaxRetries(5),
		WithRetryDelay(1*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewReconnectingClient() error = %v", err)
	}
	defer rc.Close()

	if _, err := rc.ReadTag("TestTag"); err != nil {
		t.Fatalf("ReadTag() error = %v", err)
	}

	if got := atomic.LoadInt32(&attempts); got < 3 {
		t.Errorf("expected at least 3 factory calls (2 failed + 1 success), got %d", got)
	}
}

func TestReconnectingClient_InfiniteRetry(t *testing.T) {
	gw := newFakeGatewayRefusing(t, 3)

	var attempts int32
	factory := func(address string, logger internal.Logger) (*Client, error) {
		atomic.AddInt32(&attempts, 1)
		return NewClientWithConfig(fastUnconnectedConfig(gw.addr()), logger)
	}

	rc, err := NewReconnectingClient(gw.addr(), nil,
		WithClientFactory(factory),
		WithMaxRetries(-1), // infinite
		WithRetryDelay(1*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewReconnectingClient() error = %v", err)
	}
	defer rc.Close()

	if _, err := rc.ReadTag("TestTag"); err != nil {
		t.Fatalf("expected eventual success, got error: %v", err)
	}
	if got := atomic.LoadInt32(&attempts); got < 4 {
		t.Errorf("expected at least 4 factory calls (3 failed + 1 success), got %d", got)
	}
}

func TestReconnectingClient_Reconnect(t *testing.T) {
	var clientCount int32
	factory := func(address string, logger internal.Logger) (*Client, error) {
		atomic.AddInt32(&clientCount, 1)
		// Nothing listens here: every attempt fails the same way, so this
		// only exercises that a fresh Client is built on every retry.
		return NewClientWithConfig(fastUnconnectedConfig("127.0.0.1:1"), logger)
	}

	rc, err := NewReconnectingClient("127.0.0.1:1", nil,
		WithClientFactory(factory),
		WithMaxRetries(2),
		WithRetryDelay(1*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("NewReconnectingClient() error = %v", err)
	}
	defer rc.Close()

	if _, err := rc.ReadTag("TestTag"); err == nil {
		t.Fatalf("expected ReadTag to fail against an always-refusing gateway")
	}

	if got := atomic.LoadInt32(&clientCount); got != 3 {
		t.Errorf("expected 3 client creations (maxRetries=2 -> 3 attempts), got %d", got)
	}
}
