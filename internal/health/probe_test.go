package health

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbeReportsInitialHealthyTransition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(Config{URL: srv.URL, Interval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	defer p.Stop()

	select {
	case tr := <-p.Transitions():
		assert.True(t, tr.Healthy)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transition")
	}
}

func TestProbeFlipsOnStatusChange(t *testing.T) {
	var failing atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failing.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := New(Config{URL: srv.URL})
	// New raises intervals below MinInterval to the default; set a short
	// cadence directly so the flip is seen within the test's deadline.
	p.cfg.Interval = 15 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	defer p.Stop()

	require.Eventually(t, func() bool {
		h, known := p.IsHealthy()
		return known && h
	}, time.Second, 5*time.Millisecond)

	failing.Store(true)

	var sawUnhealthy bool
	deadline := time.After(time.Second)
	for !sawUnhealthy {
		select {
		case tr := <-p.Transitions():
			if !tr.Healthy {
				sawUnhealthy = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for unhealthy transition")
		}
	}
}

func TestProbeUnreachableIsUnhealthy(t *testing.T) {
	p := New(Config{URL: "http://127.0.0.1:1", Interval: 20 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	defer p.Stop()

	select {
	case tr := <-p.Transitions():
		assert.False(t, tr.Healthy)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for transition")
	}
}
