package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/junsooki/dialtone/internal/media"
)

// ClientConfig holds configuration for the dialtone binary.
type ClientConfig struct {
	SignalingURL      string
	Dial              string
	AutoAccept        bool
	Media             string
	HeartbeatInterval time.Duration
	DialRetryPeriod   time.Duration
	IncomingTimeout   time.Duration
	DialTimeout       time.Duration
	ICEServersJSON    string
	LogLevel          string
	MetricsAddr       string
}

// RelayConfig holds configuration for the relay binary.
type RelayConfig struct {
	ListenAddr        string
	HeartbeatInterval time.Duration
	IdleTimeout       time.Duration
	ServerVersion     string
	LogLevel          string
}

// fileConfig is the layout of the optional TOML file. Durations are
// strings accepted by time.ParseDuration.
type fileConfig struct {
	Client struct {
		SignalingURL      string `toml:"signaling_url"`
		AutoAccept        *bool  `toml:"auto_accept"`
		Media             string `toml:"media"`
		HeartbeatInterval string `toml:"heartbeat_interval"`
		DialRetryPeriod   string `toml:"dial_retry_period"`
		IncomingTimeout   string `toml:"incoming_timeout"`
		DialTimeout       string `toml:"dial_timeout"`
		ICEServers        string `toml:"ice_servers"`
		LogLevel          string `toml:"log_level"`
		MetricsAddr       string `toml:"metrics_addr"`
	} `toml:"client"`
	Relay struct {
		ListenAddr        string `toml:"listen_addr"`
		HeartbeatInterval string `toml:"heartbeat_interval"`
		IdleTimeout       string `toml:"idle_timeout"`
		ServerVersion     string `toml:"server_version"`
		LogLevel          string `toml:"log_level"`
	} `toml:"relay"`
}

// ParseClientFlags parses flags for the dialtone binary. Values from the
// -config file replace defaults; flags given on the command line win.
func ParseClientFlags(args []string) (*ClientConfig, error) {
	cfg := &ClientConfig{}
	fs := flag.NewFlagSet("dialtone", flag.ContinueOnError)
	configPath := fs.String("config", "", "TOML configuration file")
	fs.StringVar(&cfg.SignalingURL, "signaling", "ws://localhost:8080/ws", "Relay WebSocket URL")
	fs.StringVar(&cfg.Dial, "dial", "", "Peer id to call (waits for calls if empty)")
	fs.BoolVar(&cfg.AutoAccept, "auto-accept", false, "Accept incoming calls automatically")
	fs.StringVar(&cfg.Media, "media", "voice", "Comma-separated local tracks (voice, video); empty for signaling only")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat", 15*time.Second, "Relay heartbeat interval")
	fs.DurationVar(&cfg.DialRetryPeriod, "dial-retry", time.Second, "Interval between dialing announcements")
	fs.DurationVar(&cfg.IncomingTimeout, "incoming-timeout", 2*time.Second, "Incoming call liveness window")
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", 0, "Give up dialing after this long (0 = until cancelled)")
	fs.StringVar(&cfg.ICEServersJSON, "ice-servers", "", "ICE servers as a JSON array (default public STUN)")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level")
	fs.StringVar(&cfg.MetricsAddr, "metrics", "", "Serve Prometheus metrics on this address")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		err := overlay(fs, *configPath, func(fc *fileConfig) error {
			c := fc.Client
			setString(&cfg.SignalingURL, c.SignalingURL)
			if c.AutoAccept != nil {
				cfg.AutoAccept = *c.AutoAccept
			}
			setString(&cfg.Media, c.Media)
			setString(&cfg.ICEServersJSON, c.ICEServers)
			setString(&cfg.LogLevel, c.LogLevel)
			setString(&cfg.MetricsAddr, c.MetricsAddr)
			return errors.Join(
				setDuration(&cfg.HeartbeatInterval, "client.heartbeat_interval", c.HeartbeatInterval),
				setDuration(&cfg.DialRetryPeriod, "client.dial_retry_period", c.DialRetryPeriod),
				setDuration(&cfg.IncomingTimeout, "client.incoming_timeout", c.IncomingTimeout),
				setDuration(&cfg.DialTimeout, "client.dial_timeout", c.DialTimeout),
			)
		})
		if err != nil {
			return nil, err
		}
	}
	return cfg, cfg.validate()
}

func (c *ClientConfig) validate() error {
	if c.SignalingURL == "" {
		return errors.New("signaling url is required")
	}
	if c.HeartbeatInterval <= 0 || c.DialRetryPeriod <= 0 || c.IncomingTimeout <= 0 {
		return errors.New("heartbeat, dial-retry and incoming-timeout must be positive")
	}
	if c.DialTimeout < 0 {
		return errors.New("dial-timeout must not be negative")
	}
	if _, err := c.MediaPurposes(); err != nil {
		return err
	}
	if _, err := c.ICEServers(); err != nil {
		return err
	}
	_, err := ParseLevel(c.LogLevel)
	return err
}

// MediaPurposes parses the -media list.
func (c *ClientConfig) MediaPurposes() ([]media.Purpose, error) {
	var out []media.Purpose
	for _, name := range splitCommaSeparated(c.Media) {
		p, err := media.ParsePurpose(name)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

// ICEServers returns the configured ICE servers, or nil for the default.
func (c *ClientConfig) ICEServers() ([]webrtc.ICEServer, error) {
	if c.ICEServersJSON == "" {
		return nil, nil
	}
	servers, err := ParseICEServersJSON(c.ICEServersJSON)
	if err != nil {
		return nil, fmt.Errorf("ice-servers: %w", err)
	}
	return servers, nil
}

// ParseRelayFlags parses flags for the relay binary.
func ParseRelayFlags(args []string) (*RelayConfig, error) {
	cfg := &RelayConfig{}
	fs := flag.NewFlagSet("relay", flag.ContinueOnError)
	configPath := fs.String("config", "", "TOML configuration file")
	fs.StringVar(&cfg.ListenAddr, "listen", ":8080", "HTTP listen address")
	fs.DurationVar(&cfg.HeartbeatInterval, "heartbeat", 15*time.Second, "Heartbeat interval advertised to clients")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", 0, "Drop silent connections after this long (default 3x heartbeat)")
	fs.StringVar(&cfg.ServerVersion, "server-version", "dialtone-relay/1", "Version reported in the identity event")
	fs.StringVar(&cfg.LogLevel, "log-level", "info", "Log level")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if *configPath != "" {
		err := overlay(fs, *configPath, func(fc *fileConfig) error {
			r := fc.Relay
			setString(&cfg.ListenAddr, r.ListenAddr)
			setString(&cfg.ServerVersion, r.ServerVersion)
			setString(&cfg.LogLevel, r.LogLevel)
			return errors.Join(
				setDuration(&cfg.HeartbeatInterval, "relay.heartbeat_interval", r.HeartbeatInterval),
				setDuration(&cfg.IdleTimeout, "relay.idle_timeout", r.IdleTimeout),
			)
		})
		if err != nil {
			return nil, err
		}
	}

	if cfg.HeartbeatInterval <= 0 {
		return nil, errors.New("heartbeat must be positive")
	}
	if _, err := ParseLevel(cfg.LogLevel); err != nil {
		return nil, err
	}
	return cfg, nil
}

// overlay loads path into the config through apply, then re-applies the
// flags set explicitly on the command line.
func overlay(fs *flag.FlagSet, path string, apply func(*fileConfig) error) error {
	explicit := map[string]string{}
	fs.Visit(func(f *flag.Flag) { explicit[f.Name] = f.Value.String() })

	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := toml.Unmarshal(content, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if err := apply(&fc); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}

	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key, v string) error {
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// ParseLevel maps a level name to a zerolog level.
func ParseLevel(s string) (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log level: %w", err)
	}
	return lvl, nil
}
