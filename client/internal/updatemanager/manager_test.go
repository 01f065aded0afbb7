package updatemanager

import (
	"bytes"
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netbirdio/swupdate/client/internal/metrics"
	"github.com/netbirdio/swupdate/client/internal/updatemanager/platform"
	"github.com/netbirdio/swupdate/client/internal/updatemanager/platform/mock"
	"github.com/netbirdio/swupdate/client/internal/updatemanager/registration"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func testConfig() Config {
	cfg := DefaultConfig("/sw.js")
	cfg.Interval = time.Hour
	return cfg
}

func startCoordinator(t *testing.T, p *mock.Platform, cfg Config) *Coordinator {
	t.Helper()
	c := NewCoordinator(p, cfg)
	c.Start(context.Background())
	t.Cleanup(c.Stop)

	select {
	case <-c.Ready():
	case <-time.After(waitFor):
		t.Fatal("coordinator did not become ready")
	}
	return c
}

func TestCoordinator_PeriodicCheckWithoutNewVersion(t *testing.T) {
	p := mock.NewPlatform(true)
	cfg := testConfig()
	cfg.Interval = 100 * time.Millisecond
	c := startCoordinator(t, p, cfg)

	require.Eventually(t, func() bool {
		return p.Registration().Updates() >= 3
	}, waitFor, tick)

	assert.False(t, c.NeedsRefresh())
	assert.Equal(t, PhaseIdle, c.Snapshot().Phase)
	assert.Equal(t, 0, p.Reloads())
}

func TestCoordinator_UpdateAppliedWithReload(t *testing.T) {
	var notified atomic.Int32
	p := mock.NewPlatform(true)
	cfg := testConfig()
	cfg.OnNeedRefresh = func() { notified.Add(1) }
	c := startCoordinator(t, p, cfg)

	reg := p.Registration()
	reg.ActivateOnSkipWaiting()
	agent := reg.Install("v2", true)

	assert.True(t, c.NeedsRefresh())
	assert.Equal(t, int32(1), notified.Load())
	assert.Equal(t, 0, p.Reloads())

	c.Apply(true)

	assert.Equal(t, 1, agent.SkipWaitingCalls())
	assert.Equal(t, 1, p.Reloads())
	assert.Equal(t, PhaseReloading, c.Snapshot().Phase)
}

func TestCoordinator_RepeatedApplyWhileActivating(t *testing.T) {
	p := mock.NewPlatform(true)
	c := startCoordinator(t, p, testConfig())

	reg := p.Registration()
	agent := reg.Install("v2", true)
	require.True(t, c.NeedsRefresh())

	c.Apply(true)
	c.Apply(true)

	assert.Equal(t, 1, agent.SkipWaitingCalls())
	assert.Equal(t, PhaseActivating, c.Snapshot().Phase)
	assert.True(t, c.NeedsRefresh())
	assert.Equal(t, 0, p.Reloads())

	reg.Emit(platform.Event{Kind: platform.EventControllerChange, AgentID: "v2", HadController: true})
	reg.Emit(platform.Event{Kind: platform.EventControllerChange, AgentID: "v2", HadController: true})

	assert.Equal(t, 1, p.Reloads())
}

func TestCoordinator_FirstInstallIsNotAnUpdate(t *testing.T) {
	var offline atomic.Int32
	p := mock.NewPlatform(false)
	cfg := testConfig()
	cfg.OnOfflineReady = func() { offline.Add(1) }
	cfg.OnNeedRefresh = func() { t.Error("first install must not notify an update") }
	c := startCoordinator(t, p, cfg)

	agent := p.Registration().Install("v1", false)

	assert.False(t, c.NeedsRefresh())
	assert.True(t, c.OfflineReady())
	assert.Equal(t, int32(1), offline.Load())

	c.Apply(true)
	assert.Equal(t, 0, agent.SkipWaitingCalls())
	assert.Equal(t, 0, p.Reloads())
}

func TestCoordinator_NoReloadWithoutApply(t *testing.T) {
	p := mock.NewPlatform(true)
	c := startCoordinator(t, p, testConfig())

	reg := p.Registration()
	reg.Install("v2", true)
	reg.Emit(platform.Event{Kind: platform.EventControllerChange, AgentID: "v2", HadController: true})

	assert.Equal(t, 0, p.Reloads())
	assert.False(t, c.NeedsRefresh())
	assert.Equal(t, PhaseIdle, c.Snapshot().Phase)
}

func TestCoordinator_ApplyWithoutReload(t *testing.T) {
	p := mock.NewPlatform(true)
	c := startCoordinator(t, p, testConfig())

	reg := p.Registration()
	reg.ActivateOnSkipWaiting()
	agent := reg.Install("v2", true)

	c.Apply(false)

	assert.Equal(t, 1, agent.SkipWaitingCalls())
	assert.False(t, c.NeedsRefresh())
	assert.Equal(t, 0, p.Reloads())
	assert.Equal(t, PhaseIdle, c.Snapshot().Phase)
}

func TestCoordinator_ConcurrentChecksShareOneRequest(t *testing.T) {
	p := mock.NewPlatform(true)
	cfg := testConfig()
	cfg.Enabled = false
	c := startCoordinator(t, p, cfg)

	reg := p.Registration()
	entered, release := reg.BlockUpdates()
	defer release()

	c.RevalidateNow()
	c.RevalidateNow()
	c.RevalidateNow()

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("update check was not issued")
	}
	assert.Equal(t, 1, reg.Updates())

	release()
	c.Stop()
	assert.Equal(t, 1, reg.Updates())
}

func TestCoordinator_ReloadWaitsForPendingCheck(t *testing.T) {
	p := mock.NewPlatform(true)
	c := startCoordinator(t, p, testConfig())

	reg := p.Registration()
	reg.ActivateOnSkipWaiting()
	reg.Install("v2", true)

	entered, release := reg.BlockUpdates()
	defer release()
	c.RevalidateNow()
	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("update check was not issued")
	}

	go c.Apply(true)

	assert.Never(t, func() bool {
		return p.Reloads() > 0
	}, 100*time.Millisecond, tick)

	release()
	assert.Eventually(t, func() bool {
		return p.Reloads() == 1
	}, waitFor, tick)
}

func TestCoordinator_CandidateWaitingAtRegistration(t *testing.T) {
	p := mock.NewPlatform(true)
	p.Registration().Park("v2")

	c := startCoordinator(t, p, testConfig())

	assert.True(t, c.NeedsRefresh())
	assert.Equal(t, "v2", c.Snapshot().Candidate)
}

func TestCoordinator_DismissKeepsCandidate(t *testing.T) {
	p := mock.NewPlatform(true)
	c := startCoordinator(t, p, testConfig())

	reg := p.Registration()
	reg.ActivateOnSkipWaiting()
	agent := reg.Install("v2", true)

	c.Dismiss()
	assert.False(t, c.NeedsRefresh())

	c.Apply(true)
	assert.Equal(t, 1, agent.SkipWaitingCalls())
	assert.Equal(t, 1, p.Reloads())
}

func TestCoordinator_ActivationFailure(t *testing.T) {
	p := mock.NewPlatform(true)
	c := startCoordinator(t, p, testConfig())

	agent := p.Registration().Install("v2", true)
	agent.FailSkipWaiting()

	c.Apply(true)

	assert.Equal(t, 1, agent.SkipWaitingCalls())
	assert.Equal(t, PhaseUpdateAvailable, c.Snapshot().Phase)
	assert.True(t, c.NeedsRefresh())
	assert.Equal(t, 0, p.Reloads())
}

func TestCoordinator_StopDetachesListener(t *testing.T) {
	p := mock.NewPlatform(true)
	c := startCoordinator(t, p, testConfig())

	reg := p.Registration()
	assert.Equal(t, 1, reg.Listeners())

	c.Stop()
	assert.Equal(t, 0, reg.Listeners())

	reg.Install("v2", true)
	assert.False(t, c.NeedsRefresh())

	c.RevalidateNow()
	assert.Equal(t, 0, reg.Updates())

	// second stop is a no-op
	c.Stop()
}

func TestCoordinator_Trigger(t *testing.T) {
	testCases := []struct {
		name    string
		enabled bool
		keys    []string
		updates int
	}{
		{
			name:    "first key only primes",
			enabled: true,
			keys:    []string{"/"},
			updates: 0,
		},
		{
			name:    "same key does not check",
			enabled: true,
			keys:    []string{"/", "/"},
			updates: 0,
		},
		{
			name:    "changed key checks",
			enabled: true,
			keys:    []string{"/", "/settings", "/settings"},
			updates: 1,
		},
		{
			name:    "disabled ignores triggers",
			enabled: false,
			keys:    []string{"/", "/settings"},
			updates: 0,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			p := mock.NewPlatform(true)
			cfg := testConfig()
			cfg.Enabled = tc.enabled
			c := startCoordinator(t, p, cfg)

			for _, key := range tc.keys {
				c.Trigger(key)
			}
			c.Stop()

			assert.Equal(t, tc.updates, p.Registration().Updates())
		})
	}
}

func TestCoordinator_DisabledSkipsTimer(t *testing.T) {
	p := mock.NewPlatform(true)
	cfg := testConfig()
	cfg.Enabled = false
	cfg.Interval = 10 * time.Millisecond
	c := startCoordinator(t, p, cfg)

	assert.Never(t, func() bool {
		return p.Registration().Updates() > 0
	}, 100*time.Millisecond, tick)

	c.RevalidateNow()
	c.Stop()
	assert.Equal(t, 1, p.Registration().Updates())
}

func TestCoordinator_OfflineSkipsCheck(t *testing.T) {
	p := mock.NewPlatform(true)
	p.SetOffline(true)
	c := startCoordinator(t, p, testConfig())

	c.RevalidateNow()
	c.Stop()

	assert.Equal(t, 0, p.Registration().Updates())
}

func TestCoordinator_RegistrationErrors(t *testing.T) {
	testCases := []struct {
		name     string
		platform func() *mock.Platform
		mode     registration.Mode
		expected error
	}{
		{
			name:     "unsupported host",
			platform: mock.NewUnsupportedPlatform,
			expected: registration.ErrRegistrationUnsupported,
		},
		{
			name: "host rejects registration",
			platform: func() *mock.Platform {
				p := mock.NewPlatform(false)
				p.SetRegisterError(errors.New("security error"))
				return p
			},
			expected: registration.ErrRegistrationFailed,
		},
		{
			name: "lookup without registration",
			platform: func() *mock.Platform {
				return mock.NewPlatform(false)
			},
			mode:     registration.ModeLookup,
			expected: registration.ErrRegistrationFailed,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var reported error
			p := tc.platform()
			cfg := testConfig()
			cfg.Mode = tc.mode
			cfg.OnRegistered = func(platform.Registration) { t.Error("registration must not be reported") }
			cfg.OnRegisterError = func(err error) { reported = err }

			c := startCoordinator(t, p, cfg)

			require.ErrorIs(t, c.RegistrationErr(), tc.expected)
			assert.ErrorIs(t, reported, tc.expected)
			assert.NotPanics(t, func() {
				c.RevalidateNow()
				c.Trigger("/")
				c.Trigger("/other")
				c.Apply(true)
				c.Dismiss()
			})
			assert.False(t, c.NeedsRefresh())
			assert.Equal(t, 0, p.Registration().Updates())
		})
	}
}

func TestCoordinator_LookupMode(t *testing.T) {
	var handle platform.Registration
	p := mock.NewPlatform(true)
	p.MarkRegistered()
	cfg := testConfig()
	cfg.Mode = registration.ModeLookup
	cfg.OnRegistered = func(r platform.Registration) { handle = r }

	c := startCoordinator(t, p, cfg)

	require.NoError(t, c.RegistrationErr())
	assert.Equal(t, 0, p.RegisterCalls())
	assert.NotNil(t, handle)
}

func TestCoordinator_StartTwice(t *testing.T) {
	p := mock.NewPlatform(true)
	c := startCoordinator(t, p, testConfig())

	c.Start(context.Background())

	assert.Equal(t, 1, p.RegisterCalls())
	assert.Equal(t, 1, p.Registration().Listeners())
}

func TestCoordinator_Metrics(t *testing.T) {
	m := metrics.NewUpdateMetrics(true)
	p := mock.NewPlatform(true)
	c := NewCoordinator(p, testConfig()).WithMetrics(m)
	c.Start(context.Background())
	<-c.Ready()

	reg := p.Registration()
	reg.ActivateOnSkipWaiting()
	reg.Install("v2", true)
	c.RevalidateNow()
	c.Apply(true)
	c.Stop()

	var buf bytes.Buffer
	require.NoError(t, m.Export(&buf))
	out := buf.String()

	assert.Contains(t, out, `swupdate_registrations_total{result="ok"} 1`)
	assert.Contains(t, out, `swupdate_revalidations_total{outcome="ok",source="manual"} 1`)
	assert.Contains(t, out, "swupdate_updates_detected_total 1")
	assert.Contains(t, out, `swupdate_activations_total{reload="true"} 1`)
	assert.Contains(t, out, "swupdate_reloads_total 1")
}
