// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Package config defines the settings of a communicator, loaded from a TOML
// file with overrides from the environment.
//
// A file looks like this:
//
//	retry_count = 2
//	invocation_timeout = "30s"
//	locator = "floe/locator:tcp -h localhost -p 4061"
//
//	[acm]
//	timeout = "60s"
//	close = "CloseOnInvocationAndIdle"
//	heartbeat = "HeartbeatOnDispatch"
//
//	[adapters.Hello]
//	endpoints = "tcp -h * -p 10000"
//	adapter_id = "HelloAdapter"
//	register = true
//
// Environment variables with the prefix FLOE_ override the top-level and ACM
// settings, for example FLOE_RETRY_COUNT or FLOE_ACM_TIMEOUT.
package config

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/creachadair/floe/acm"
	"github.com/creachadair/floe/endpoint"
	"github.com/creachadair/floe/proxy"
)

// EnvPrefix is the prefix of environment variables read by Load.
const EnvPrefix = "FLOE_"

// Config is the settings of a communicator.
type Config struct {
	// ACM is the connection management policy of outgoing and incoming
	// connections.
	ACM acm.Config `toml:"acm" envPrefix:"ACM_"`

	// RetryCount is the number of times an invocation that failed without
	// being sent is retried.
	RetryCount int `toml:"retry_count" env:"RETRY_COUNT"`

	// BatchMaxSize is the number of queued batch requests that causes a
	// batch to be flushed automatically. Zero means no limit.
	BatchMaxSize int `toml:"batch_max_size" env:"BATCH_MAX_SIZE"`

	// InvocationTimeout bounds twoway invocations whose proxy does not set a
	// timeout. Zero means no limit.
	InvocationTimeout time.Duration `toml:"invocation_timeout" env:"INVOCATION_TIMEOUT"`

	// ConnectTimeout bounds the time to establish a connection.
	ConnectTimeout time.Duration `toml:"connect_timeout" env:"CONNECT_TIMEOUT"`

	// Locator is the proxy string of the locator registry used to resolve
	// indirect proxies. If empty, indirect proxies cannot be resolved.
	Locator string `toml:"locator" env:"LOCATOR"`

	// LocatorCacheTTL is how long resolved adapter endpoints are cached.
	// Zero disables caching.
	LocatorCacheTTL time.Duration `toml:"locator_cache_ttl" env:"LOCATOR_CACHE_TTL"`

	// Adapters are the object adapter settings, by adapter name.
	Adapters map[string]Adapter `toml:"adapters"`
}

// Adapter is the settings of a single object adapter.
type Adapter struct {
	// Endpoints is the endpoint list the adapter listens on, separated by ":",
	// for example "tcp -h * -p 10000:unix -p /tmp/hello.sock".
	Endpoints string `toml:"endpoints"`

	// Published, if set, is the endpoint list advertised in proxies created
	// by the adapter in place of the bound endpoints.
	Published string `toml:"published_endpoints"`

	// AdapterID, if set, makes the adapter create indirect proxies.
	AdapterID string `toml:"adapter_id"`

	// Register reports whether the adapter registers its endpoints with the
	// locator under AdapterID when it is activated.
	Register bool `toml:"register"`

	// Serialize reports whether dispatches are run one at a time.
	Serialize bool `toml:"serialize"`
}

// ParseEndpoints parses the listening endpoints of a.
func (a Adapter) ParseEndpoints() ([]endpoint.Endpoint, error) {
	if strings.TrimSpace(a.Endpoints) == "" {
		return nil, nil
	}
	return endpoint.ParseList(a.Endpoints)
}

// ParsePublished parses the published endpoints of a, if any.
func (a Adapter) ParsePublished() ([]endpoint.Endpoint, error) {
	if strings.TrimSpace(a.Published) == "" {
		return nil, nil
	}
	return endpoint.ParseList(a.Published)
}

// Default returns the default settings.
func Default() Config {
	return Config{
		ACM:             acm.Default(),
		RetryCount:      1,
		ConnectTimeout:  10 * time.Second,
		LocatorCacheTTL: time.Minute,
	}
}

// Parse parses TOML settings from text over the defaults. It does not read
// the environment.
func Parse(text string) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(text, &cfg)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := checkKeys(md); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Load reads TOML settings from the named file over the defaults, then
// applies overrides from the environment. If path == "", only the defaults
// and the environment are used.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("load config: %w", err)
		}
		if err := checkKeys(md); err != nil {
			return Config{}, fmt.Errorf("load config %q: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// ApplyEnv updates c from environment variables with the EnvPrefix.
func (c *Config) ApplyEnv() error {
	if err := env.ParseWithOptions(c, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func checkKeys(md toml.MetaData) error {
	bad := md.Undecoded()
	if len(bad) == 0 {
		return nil
	}
	keys := make([]string, len(bad))
	for i, k := range bad {
		keys[i] = k.String()
	}
	slices.Sort(keys)
	return fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
}

// Validate reports an error if c has invalid settings.
func (c Config) Validate() error {
	var errs []error
	if c.ACM.Timeout < 0 {
		errs = append(errs, fmt.Errorf("negative ACM timeout %v", c.ACM.Timeout))
	}
	if c.RetryCount < 0 {
		errs = append(errs, fmt.Errorf("negative retry count %d", c.RetryCount))
	}
	if c.BatchMaxSize < 0 {
		errs = append(errs, fmt.Errorf("negative batch size %d", c.BatchMaxSize))
	}
	if c.InvocationTimeout < 0 || c.ConnectTimeout < 0 || c.LocatorCacheTTL < 0 {
		errs = append(errs, errors.New("negative timeout"))
	}
	if c.Locator != "" {
		if _, err := proxy.Parse(c.Locator); err != nil {
			errs = append(errs, fmt.Errorf("locator: %w", err))
		}
	}
	for _, name := range slices.Sorted(maps.Keys(c.Adapters)) {
		a := c.Adapters[name]
		if _, err := a.ParseEndpoints(); err != nil {
			errs = append(errs, fmt.Errorf("adapter %q: %w", name, err))
		}
		if _, err := a.ParsePublished(); err != nil {
			errs = append(errs, fmt.Errorf("adapter %q published: %w", name, err))
		}
		if a.Register && a.AdapterID == "" {
			errs = append(errs, fmt.Errorf("adapter %q: register requires an adapter ID", name))
		}
	}
	return errors.Join(errs...)
}

// LocatorReference parses the locator proxy of c. It reports false if no
// locator is configured.
func (c Config) LocatorReference() (proxy.Reference, bool, error) {
	if c.Locator == "" {
		return proxy.Reference{}, false, nil
	}
	ref, err := proxy.Parse(c.Locator)
	if err != nil {
		return proxy.Reference{}, false, err
	}
	return ref, true, nil
}
