package portier

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/mpwsh/portier-client/errors"
)

// Configuration defaults.
const (
	DefaultStorePath           = "cookies.json"
	DefaultSessionCookieDomain = "127.0.0.1"
	DefaultSessionCookieName   = "id"
	DefaultRPCAddr             = "http://127.0.0.1:8000"
	DefaultBrokerAddr          = "http://127.0.0.1:3333"
)

// Config holds the client configuration.
type Config struct {
	// StorePath is the cookie store file.
	StorePath string `toml:"store_path"`

	// SessionCookieDomain is the domain the session cookie is stored under.
	SessionCookieDomain string `toml:"session_cookie_domain"`

	// SessionCookieName is the name of the cookie carrying the session id.
	SessionCookieName string `toml:"session_cookie_name"`

	// RPCAddr is the base address of the RPC service (login, claim, whoami, logout).
	RPCAddr string `toml:"rpc_addr"`

	// BrokerAddr is the base address of the broker service (confirm).
	BrokerAddr string `toml:"broker_addr"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		StorePath:           DefaultStorePath,
		SessionCookieDomain: DefaultSessionCookieDomain,
		SessionCookieName:   DefaultSessionCookieName,
		RPCAddr:             DefaultRPCAddr,
		BrokerAddr:          DefaultBrokerAddr,
	}
}

// Validate checks that every field is set and that both service addresses
// are absolute http(s) URLs. Returns an error wrapping errors.ErrConfig.
func (c Config) Validate() error {
	if strings.TrimSpace(c.StorePath) == "" {
		return fmt.Errorf("%w: store path is empty", errors.ErrConfig)
	}
	if strings.TrimSpace(c.SessionCookieDomain) == "" {
		return fmt.Errorf("%w: session cookie domain is empty", errors.ErrConfig)
	}
	if strings.TrimSpace(c.SessionCookieName) == "" {
		return fmt.Errorf("%w: session cookie name is empty", errors.ErrConfig)
	}
	if err := validateAddr("rpc", c.RPCAddr); err != nil {
		return err
	}
	return validateAddr("broker", c.BrokerAddr)
}

// SessionCookiePath returns the path the RPC service scopes the session cookie to:
// the path of RPCAddr, or "/" when it has none.
func (c Config) SessionCookiePath() string {
	u, err := url.Parse(c.RPCAddr)
	if err != nil {
		return "/"
	}
	p := strings.TrimSuffix(u.Path, "/")
	if p == "" {
		return "/"
	}
	return p
}

func validateAddr(name, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("%w: %s address is empty", errors.ErrConfig, name)
	}
	u, err := url.Parse(addr)
	if err != nil {
		return fmt.Errorf("%w: %s address: %w", errors.ErrConfig, name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: %s address %q must be http or https", errors.ErrConfig, name, addr)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: %s address %q has no host", errors.ErrConfig, name, addr)
	}
	return nil
}

// MergeConfig returns a new Config with base values overridden by non-zero
// values from override.
func MergeConfig(base, override Config) Config {
	result := base
	if override.StorePath != "" {
		result.StorePath = override.StorePath
	}
	if override.SessionCookieDomain != "" {
		result.SessionCookieDomain = override.SessionCookieDomain
	}
	if override.SessionCookieName != "" {
		result.SessionCookieName = override.SessionCookieName
	}
	if override.RPCAddr != "" {
		result.RPCAddr = override.RPCAddr
	}
	if override.BrokerAddr != "" {
		result.BrokerAddr = override.BrokerAddr
	}
	return result
}

// LoadConfig reads a TOML configuration file and merges it over DefaultConfig.
// The result is not validated.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	return MergeConfig(DefaultConfig(), cfg), nil
}
