package updatemanager

import (
	"time"

	"github.com/netbirdio/swupdate/client/internal/updatemanager/platform"
	"github.com/netbirdio/swupdate/client/internal/updatemanager/registration"
)

const (
	// DefaultInterval is the period of the background update check.
	DefaultInterval = 5 * time.Minute
)

// Config is supplied by the caller of a session.
type Config struct {
	// Interval between periodic update checks. Zero means DefaultInterval.
	Interval time.Duration
	// Enabled gates the periodic and the trigger based checks.
	Enabled bool

	Mode     registration.Mode
	Endpoint string
	platform.RegisterOptions

	// OnRegistered is called once the registration handle was acquired.
	OnRegistered func(platform.Registration)
	// OnRegisterError is called when the handle could not be acquired.
	OnRegisterError func(error)
	// OnNeedRefresh is called when a waiting candidate superseding the controller appeared.
	OnNeedRefresh func()
	// OnOfflineReady is called when the first agent finished installing.
	OnOfflineReady func()
}

// DefaultConfig returns an enabled configuration registering endpoint with the default interval.
func DefaultConfig(endpoint string) Config {
	return Config{
		Interval: DefaultInterval,
		Enabled:  true,
		Mode:     registration.ModeRegister,
		Endpoint: endpoint,
	}
}

func (c Config) interval() time.Duration {
	if c.Interval <= 0 {
		return DefaultInterval
	}
	return c.Interval
}

func (c Config) registrationOptions() registration.Options {
	return registration.Options{
		Mode:            c.Mode,
		Endpoint:        c.Endpoint,
		RegisterOptions: c.RegisterOptions,
	}
}
