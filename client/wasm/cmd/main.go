//go:build js

package main

import (
	"context"
	"fmt"
	"syscall/js"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netbirdio/swupdate/client/internal/updatemanager"
	"github.com/netbirdio/swupdate/client/internal/updatemanager/platform"
	"github.com/netbirdio/swupdate/client/internal/updatemanager/platform/serviceworker"
	"github.com/netbirdio/swupdate/client/internal/updatemanager/registration"
	"github.com/netbirdio/swupdate/formatter"
)

const readyTimeout = 30 * time.Second

func main() {
	formatter.SetTextFormatter(log.StandardLogger())
	js.Global().Set("UpdateWatcher", js.FuncOf(updateWatcherConstructor))

	select {}
}

// parseWatcherOptions extracts the session configuration from a JavaScript object. Options of
// the wrong type are reported as errors instead of panicking in the runtime.
func parseWatcherOptions(jsOptions js.Value) (updatemanager.Config, error) {
	cfg := updatemanager.DefaultConfig("")

	if jsOptions.Type() != js.TypeObject {
		return cfg, fmt.Errorf("options must be an object, got %s", jsOptions.Type())
	}

	stringOpts := []struct {
		name string
		dst  *string
	}{
		{"swUrl", &cfg.Endpoint},
		{"scope", &cfg.Scope},
		{"updateViaCache", &cfg.UpdateViaCache},
		{"type", &cfg.Type},
	}
	for _, opt := range stringOpts {
		v, ok, err := stringOption(jsOptions, opt.name)
		if err != nil {
			return cfg, err
		}
		if ok {
			*opt.dst = v
		}
	}

	mode, ok, err := stringOption(jsOptions, "mode")
	if err != nil {
		return cfg, err
	}
	if ok {
		parsed, err := registration.ParseMode(mode)
		if err != nil {
			return cfg, err
		}
		cfg.Mode = parsed
	}

	interval := jsOptions.Get("intervalMs")
	if isSet(interval) {
		if interval.Type() != js.TypeNumber {
			return cfg, fmt.Errorf("intervalMs must be a number, got %s", interval.Type())
		}
		if interval.Float() <= 0 {
			return cfg, fmt.Errorf("intervalMs must be positive, got %v", interval.Float())
		}
		cfg.Interval = time.Duration(interval.Float() * float64(time.Millisecond))
	}

	enabled := jsOptions.Get("enabled")
	if isSet(enabled) {
		if enabled.Type() != js.TypeBoolean {
			return cfg, fmt.Errorf("enabled must be a boolean, got %s", enabled.Type())
		}
		cfg.Enabled = enabled.Bool()
	}

	logLevel, ok, err := stringOption(jsOptions, "logLevel")
	if err != nil {
		return cfg, err
	}
	if ok {
		level, err := log.ParseLevel(logLevel)
		if err != nil {
			return cfg, err
		}
		log.SetLevel(level)
	}

	if cfg.Mode == registration.ModeRegister && cfg.Endpoint == "" {
		return cfg, fmt.Errorf("swUrl must be provided unless mode is lookup")
	}

	bindCallback(jsOptions, "onRegistered", func(fn js.Value) {
		cfg.OnRegistered = func(platform.Registration) { fn.Invoke() }
	})
	bindCallback(jsOptions, "onRegisterError", func(fn js.Value) {
		cfg.OnRegisterError = func(err error) { fn.Invoke(js.ValueOf(err.Error())) }
	})
	bindCallback(jsOptions, "onNeedRefresh", func(fn js.Value) {
		cfg.OnNeedRefresh = func() { fn.Invoke() }
	})
	bindCallback(jsOptions, "onOfflineReady", func(fn js.Value) {
		cfg.OnOfflineReady = func() { fn.Invoke() }
	})

	return cfg, nil
}

func isSet(v js.Value) bool {
	return !v.IsNull() && !v.IsUndefined()
}

// stringOption returns the named option when it is set. Any type other than string is an error.
func stringOption(jsOptions js.Value, name string) (string, bool, error) {
	v := jsOptions.Get(name)
	if !isSet(v) {
		return "", false, nil
	}
	if v.Type() != js.TypeString {
		return "", false, fmt.Errorf("%s must be a string, got %s", name, v.Type())
	}
	return v.String(), true, nil
}

func bindCallback(jsOptions js.Value, name string, bind func(fn js.Value)) {
	fn := jsOptions.Get(name)
	if fn.Type() != js.TypeFunction {
		return
	}
	bind(fn)
}

// createPromise is a helper to create JavaScript promises
func createPromise(handler func(resolve, reject js.Value)) js.Value {
	return js.Global().Get("Promise").New(js.FuncOf(func(_ js.Value, promiseArgs []js.Value) any {
		resolve := promiseArgs[0]
		reject := promiseArgs[1]

		go func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("update watcher call panicked: %v", r)
					reject.Invoke(js.ValueOf(fmt.Sprintf("%v", r)))
				}
			}()
			handler(resolve, reject)
		}()

		return nil
	}))
}

// createWatcherObject wraps the coordinator in a JavaScript object
func createWatcherObject(c *updatemanager.Coordinator) js.Value {
	obj := make(map[string]interface{})

	obj["needsRefresh"] = js.FuncOf(func(js.Value, []js.Value) any {
		return js.ValueOf(c.NeedsRefresh())
	})
	obj["offlineReady"] = js.FuncOf(func(js.Value, []js.Value) any {
		return js.ValueOf(c.OfflineReady())
	})
	obj["phase"] = js.FuncOf(func(js.Value, []js.Value) any {
		return js.ValueOf(c.Snapshot().Phase.String())
	})
	obj["dismiss"] = js.FuncOf(func(js.Value, []js.Value) any {
		go c.Dismiss()
		return nil
	})
	obj["apply"] = js.FuncOf(func(_ js.Value, args []js.Value) any {
		reload := true
		if len(args) > 0 && args[0].Type() == js.TypeBoolean {
			reload = args[0].Bool()
		}
		return createPromise(func(resolve, _ js.Value) {
			c.Apply(reload)
			resolve.Invoke(js.ValueOf(true))
		})
	})
	obj["checkNow"] = js.FuncOf(func(js.Value, []js.Value) any {
		go c.RevalidateNow()
		return nil
	})
	obj["trigger"] = js.FuncOf(func(_ js.Value, args []js.Value) any {
		if len(args) < 1 || args[0].Type() != js.TypeString {
			return js.ValueOf("error: key must be a string")
		}
		key := args[0].String()
		go c.Trigger(key)
		return nil
	})
	obj["stop"] = js.FuncOf(func(js.Value, []js.Value) any {
		return createPromise(func(resolve, _ js.Value) {
			c.Stop()
			resolve.Invoke(js.ValueOf(true))
		})
	})

	return js.ValueOf(obj)
}

// updateWatcherConstructor acts as a JavaScript constructor function. The returned promise
// resolves once the registration attempt finished.
func updateWatcherConstructor(_ js.Value, args []js.Value) any {
	return createPromise(func(resolve, reject js.Value) {
		if len(args) < 1 {
			reject.Invoke(js.ValueOf("Options object required"))
			return
		}

		cfg, err := parseWatcherOptions(args[0])
		if err != nil {
			reject.Invoke(js.ValueOf(err.Error()))
			return
		}

		log.Infof("creating update watcher: endpoint=%s, mode=%s, interval=%s, enabled=%v",
			cfg.Endpoint, cfg.Mode, cfg.Interval, cfg.Enabled)

		c := updatemanager.NewCoordinator(serviceworker.New(), cfg)
		c.Start(context.Background())

		select {
		case <-c.Ready():
		case <-time.After(readyTimeout):
			log.Warnf("registration still pending after %s", readyTimeout)
		}

		resolve.Invoke(createWatcherObject(c))
	})
}
