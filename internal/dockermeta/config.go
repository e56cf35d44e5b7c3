package dockermeta

import (
	"cmp"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/grafana/regexp"
)

// Defaults applied by ParseConfig.
const (
	DefaultDockerURL         = "unix:///var/run/docker.sock"
	DefaultCacheSize         = 100
	DefaultContainerIDRegexp = `(\w{64})`
	DefaultLookupTimeout     = 5 * time.Second
)

// ErrInvalidConfig is returned (wrapped) for any configuration that must
// stop the filter from starting.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the static filter configuration. It is built once at startup.
type Config struct {
	DockerURL         string
	CacheSize         int
	ContainerIDRegexp string

	// LookupTimeout bounds a single daemon inspection. Zero means no bound.
	LookupTimeout time.Duration

	// TLS material for tcp:// daemons. File paths; empty means unused.
	TLSCAFile   string
	TLSCertFile string
	TLSKeyFile  string
	TLSVerify   bool
}

// ParamDefaults returns the default parameter values, keyed like ParseConfig expects.
func ParamDefaults() map[string]string {
	return map[string]string{
		"docker_url":          DefaultDockerURL,
		"cache_size":          strconv.Itoa(DefaultCacheSize),
		"container_id_regexp": DefaultContainerIDRegexp,
		"lookup_timeout":      DefaultLookupTimeout.String(),
		"tls_verify":          "true",
	}
}

// ParseConfig builds a Config from fluentd-style key/value parameters.
// Missing keys take their defaults. The result is validated.
func ParseConfig(params map[string]string) (Config, error) {
	cfg := Config{
		DockerURL:         cmp.Or(params["docker_url"], DefaultDockerURL),
		CacheSize:         DefaultCacheSize,
		ContainerIDRegexp: cmp.Or(params["container_id_regexp"], DefaultContainerIDRegexp),
		LookupTimeout:     DefaultLookupTimeout,
		TLSCAFile:         params["tls_ca"],
		TLSCertFile:       params["tls_cert"],
		TLSKeyFile:        params["tls_key"],
		TLSVerify:         params["tls_verify"] != "false",
	}

	if v := params["cache_size"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: cache_size %q: %w", ErrInvalidConfig, v, err)
		}
		cfg.CacheSize = n
	}

	if v := params["lookup_timeout"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: lookup_timeout %q: %w", ErrInvalidConfig, v, err)
		}
		cfg.LookupTimeout = d
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants the filter relies on.
func (c Config) Validate() error {
	if c.CacheSize < 1 {
		return fmt.Errorf("%w: cache_size must be at least 1, got %d", ErrInvalidConfig, c.CacheSize)
	}
	if c.DockerURL == "" {
		return fmt.Errorf("%w: docker_url must not be empty", ErrInvalidConfig)
	}
	if c.LookupTimeout < 0 {
		return fmt.Errorf("%w: lookup_timeout must be non-negative", ErrInvalidConfig)
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return fmt.Errorf("%w: tls_cert and tls_key must be set together", ErrInvalidConfig)
	}
	if _, err := c.Compile(); err != nil {
		return err
	}
	return nil
}

// Compile compiles the container ID pattern.
func (c Config) Compile() (*regexp.Regexp, error) {
	re, err := regexp.Compile(c.ContainerIDRegexp)
	if err != nil {
		return nil, fmt.Errorf("%w: container_id_regexp %q: %w", ErrInvalidConfig, c.ContainerIDRegexp, err)
	}
	return re, nil
}
