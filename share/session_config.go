package chshare

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects which side of the bridge listens and which side dials
type Mode int

const (
	// ModeUnknown is the zero value and is never valid
	ModeUnknown Mode = iota

	// ModeWSToTCP accepts WebSocket clients and dials a TCP destination
	ModeWSToTCP

	// ModeTCPToWS accepts TCP clients and dials a WebSocket destination
	ModeTCPToWS
)

var modeNames = [...]string{"unknown", "ws_to_tcp", "tcp_to_ws"}

func (m Mode) String() string {
	if m < ModeUnknown || m > ModeTCPToWS {
		m = ModeUnknown
	}
	return modeNames[m]
}

// ParseMode converts a mode name ("ws_to_tcp" or "tcp_to_ws") to a Mode
func ParseMode(s string) (Mode, error) {
	for i, name := range modeNames {
		if i != int(ModeUnknown) && name == strings.ToLower(s) {
			return Mode(i), nil
		}
	}
	return ModeUnknown, fmt.Errorf("unknown mode %q, expected ws_to_tcp or tcp_to_ws", s)
}

// UnmarshalText allows a Mode to be read from a config file by name
func (m *Mode) UnmarshalText(text []byte) error {
	mode, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = mode
	return nil
}

// MarshalText renders a Mode by name
func (m Mode) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// DefaultProxyHeaderName is the forwarding header consulted for the originating
// client address when proxy reporting is enabled
const DefaultProxyHeaderName = "X-Forwarded-For"

// DefaultReadBufferSize is the largest chunk read from TCP and forwarded as a
// single binary WebSocket message
const DefaultReadBufferSize = 1024

// DefaultHandshakeTimeout bounds WebSocket handshakes and TCP dials
const DefaultHandshakeTimeout = 45 * time.Second

// maxReadBufferSize keeps relayed messages well below common frame limits
const maxReadBufferSize = 1 << 20

// Config is the configuration of a bridge server and the sessions it runs
type Config struct {
	Mode        Mode     `yaml:"mode"`
	BindAddress string   `yaml:"bind"`
	Destination string   `yaml:"destination"`
	LogLevel    LogLevel `yaml:"log_level"`

	// Proxy enables reporting of the originating client address, taken from
	// ProxyHeaderName during the WebSocket handshake, to the TCP destination as
	// a PROXY protocol header. Only meaningful in ws_to_tcp mode.
	Proxy           bool   `yaml:"proxy"`
	ProxyHeaderName string `yaml:"proxy_header_name"`

	ReadBufferSize    int           `yaml:"read_buffer_size"`
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout"`
	CloseDrainTimeout time.Duration `yaml:"close_drain_timeout"`

	// MetricsAddress is the ip:port of the /metrics endpoint; empty disables it
	MetricsAddress string `yaml:"metrics_address"`

	// AcceptRate is the number of connections per second accepted from a single
	// client IP, with bursts of up to AcceptBurst. Zero disables limiting.
	AcceptRate  float64 `yaml:"accept_rate"`
	AcceptBurst int     `yaml:"accept_burst"`
}

// DefaultConfig returns a Config with every optional field at its default
func DefaultConfig() *Config {
	return &Config{
		LogLevel:         LogLevelError,
		ProxyHeaderName:  DefaultProxyHeaderName,
		ReadBufferSize:   DefaultReadBufferSize,
		HandshakeTimeout: DefaultHandshakeTimeout,
	}
}

// LoadConfigFile overlays the settings found in a YAML file onto c. Fields
// missing from the file keep their current values.
func (c *Config) LoadConfigFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("unable to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return nil
}

// Validate checks that the configuration describes a runnable bridge
func (c *Config) Validate() error {
	if c.Mode != ModeWSToTCP && c.Mode != ModeTCPToWS {
		return fmt.Errorf("mode must be ws_to_tcp or tcp_to_ws")
	}
	if _, _, err := net.SplitHostPort(c.BindAddress); err != nil {
		return fmt.Errorf("invalid bind address %q: %w", c.BindAddress, err)
	}
	if c.Destination == "" {
		return fmt.Errorf("destination is required")
	}
	if c.Mode == ModeTCPToWS {
		if _, err := NormalizeWebSocketURL(c.Destination); err != nil {
			return err
		}
	} else if err := validateTCPAddress(c.Destination); err != nil {
		return fmt.Errorf("invalid TCP destination %q: %w", c.Destination, err)
	}
	if c.Proxy && c.ProxyHeaderName == "" {
		return fmt.Errorf("proxy header name must not be empty")
	}
	if c.ReadBufferSize <= 0 || c.ReadBufferSize > maxReadBufferSize {
		return fmt.Errorf("read buffer size must be in range 1..%d", maxReadBufferSize)
	}
	if c.HandshakeTimeout < 0 || c.CloseDrainTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.AcceptRate < 0 || c.AcceptBurst < 0 {
		return fmt.Errorf("accept rate and burst must not be negative")
	}
	if c.MetricsAddress != "" {
		if _, _, err := net.SplitHostPort(c.MetricsAddress); err != nil {
			return fmt.Errorf("invalid metrics address %q: %w", c.MetricsAddress, err)
		}
	}
	return nil
}

// validateTCPAddress checks that address is a host:port a TCP dial could use
func validateTCPAddress(address string) error {
	if strings.Contains(address, "://") {
		return fmt.Errorf("expected host:port, not a URL")
	}
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return err
	}
	if strings.ContainsAny(host, "/?#") {
		return fmt.Errorf("invalid host %q", host)
	}
	if port == "" {
		return fmt.Errorf("missing port")
	}
	if _, err := net.LookupPort("tcp", port); err != nil {
		return err
	}
	return nil
}
