package updatemanager

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/swupdate/client/internal/updatemanager/platform/manifest"
)

func TestCoordinator_ManifestEndToEnd(t *testing.T) {
	var (
		mu        sync.Mutex
		published = "1.0.0"
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		_, _ = fmt.Fprint(w, published)
	}))
	defer server.Close()

	var reloaded atomic.Value
	p := manifest.New(
		manifest.WithCurrentVersion("1.0.0"),
		manifest.WithReloadFunc(func(v string) { reloaded.Store(v) }),
	)

	cfg := DefaultConfig(server.URL)
	cfg.Interval = 20 * time.Millisecond
	c := NewCoordinator(p, cfg)
	c.Start(context.Background())
	defer c.Stop()
	<-c.Ready()
	require.NoError(t, c.RegistrationErr())

	assert.Never(t, c.NeedsRefresh, 100*time.Millisecond, 10*time.Millisecond)

	mu.Lock()
	published = "1.1.0"
	mu.Unlock()

	require.Eventually(t, c.NeedsRefresh, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "1.0.0", p.Controller())

	c.Apply(true)

	assert.Equal(t, "1.1.0", p.Controller())
	assert.Equal(t, PhaseReloading, c.Snapshot().Phase)
	// a timer check may still be running, the reload waits for it
	assert.Eventually(t, func() bool {
		return reloaded.Load() == "1.1.0"
	}, 2*time.Second, 10*time.Millisecond)
}

func newVersionEndpoint(t *testing.T, v string) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = fmt.Fprint(w, v)
	}))
	t.Cleanup(server.Close)
	return server.URL
}

func stopWithin(t *testing.T, c *Coordinator) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		c.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("coordinator did not stop")
	}
}

func TestCoordinator_ApplyFromNeedRefreshCallback(t *testing.T) {
	reloads := make(chan string, 2)
	p := manifest.New(
		manifest.WithCurrentVersion("1.0.0"),
		manifest.WithReloadFunc(func(v string) { reloads <- v }),
	)

	var c *Coordinator
	cfg := DefaultConfig(newVersionEndpoint(t, "1.1.0"))
	cfg.Interval = time.Hour
	cfg.OnNeedRefresh = func() {
		c.Apply(true)
	}
	c = NewCoordinator(p, cfg)
	c.Start(context.Background())
	<-c.Ready()
	require.NoError(t, c.RegistrationErr())

	c.RevalidateNow()

	select {
	case v := <-reloads:
		assert.Equal(t, "1.1.0", v)
	case <-time.After(waitFor):
		t.Fatal("applied update did not reload")
	}
	assert.Equal(t, "1.1.0", p.Controller())
	assert.Equal(t, PhaseReloading, c.Snapshot().Phase)

	// checks after the reload are refused and never reload twice
	c.RevalidateNow()
	stopWithin(t, c)
	assert.Empty(t, reloads)
}

func TestCoordinator_CallbacksReenterDuringCheck(t *testing.T) {
	p := manifest.New()

	var (
		c         *Coordinator
		offline   atomic.Int32
		reentered atomic.Int32
	)
	cfg := DefaultConfig(newVersionEndpoint(t, "1.0.0"))
	cfg.Interval = time.Hour
	cfg.OnOfflineReady = func() {
		offline.Add(1)
		c.RevalidateNow()
		c.Dismiss()
		c.Apply(true)
		reentered.Add(1)
	}
	c = NewCoordinator(p, cfg)
	c.Start(context.Background())
	<-c.Ready()

	c.RevalidateNow()

	require.Eventually(t, func() bool {
		return reentered.Load() == 1
	}, waitFor, tick)
	assert.Equal(t, int32(1), offline.Load())
	// the first agent claims control once the callbacks returned
	require.Eventually(t, func() bool {
		return p.Controller() == "1.0.0"
	}, waitFor, tick)

	state := c.Snapshot()
	assert.Equal(t, PhaseIdle, state.Phase)
	assert.False(t, state.NeedRefresh)
	assert.False(t, state.OfflineReady)

	stopWithin(t, c)
}
