// control/config.go
// Author: momentics <momentics@gmail.com>
//
// TOML configuration: compiled-in defaults overlaid by an optional file.

package control

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	defaultLogLevel        = "info"
	defaultLogFormat       = "text"
	defaultPoolKind        = "dynamic"
	defaultPoolSize        = 1024
	defaultListenIP        = "127.0.0.1"
	defaultListenPort      = 1544
	defaultMaxConnections  = 128
	defaultRequestTimeout  = 5 * time.Second
	defaultCloseGrace      = 2 * time.Second
	defaultRTPIP           = "127.0.0.1"
	defaultRTPPortMin      = 5000
	defaultRTPPortMax      = 6000
	defaultPTime           = 20
	defaultMaxTerminations = 256
	defaultMaxSessions     = 1024
)

// Config stores runtime settings for the client and server stacks.
type Config struct {
	Log        LogConfig
	Pool       PoolConfig
	Connection ConnectionConfig
	Media      MediaConfig
	Client     ClientConfig
	Server     ServerConfig
}

// LogConfig selects level and output format ("text" or "json").
type LogConfig struct {
	Level  string
	Format string
}

// PoolConfig selects the task message pool.
type PoolConfig struct {
	Kind string
	Size int
}

// ConnectionConfig drives the control-channel connection agents.
type ConnectionConfig struct {
	ListenIP         string
	ListenPort       int
	MaxConnections   int
	ReuseConnections bool
	RequestTimeout   time.Duration
	CloseGrace       time.Duration
}

// MediaConfig drives the media engine.
type MediaConfig struct {
	RTPIP           string
	RTPPortMin      int
	RTPPortMax      int
	PTime           int
	MaxTerminations int
	// CPU pins the media engines to one logical CPU; -1 leaves them floating.
	CPU int
}

// ClientConfig bounds the client stack.
type ClientConfig struct {
	MaxSessions int
}

// ServerConfig lists enabled resources and bounds the server stack.
type ServerConfig struct {
	Resources   []string
	MaxSessions int
}

type fileConfig struct {
	Log        *fileLog        `toml:"log"`
	Pool       *filePool       `toml:"pool"`
	Connection *fileConnection `toml:"connection"`
	Media      *fileMedia      `toml:"media"`
	Client     *fileClient     `toml:"client"`
	Server     *fileServer     `toml:"server"`
}

type fileLog struct {
	Level  *string `toml:"level"`
	Format *string `toml:"format"`
}

type filePool struct {
	Kind *string `toml:"kind"`
	Size *int    `toml:"size"`
}

type fileConnection struct {
	ListenIP         *string `toml:"listen_ip"`
	ListenPort       *int    `toml:"listen_port"`
	MaxConnections   *int    `toml:"max_connections"`
	ReuseConnections *bool   `toml:"reuse_connections"`
	RequestTimeout   *string `toml:"request_timeout"`
	CloseGrace       *string `toml:"close_grace"`
}

type fileMedia struct {
	RTPIP           *string `toml:"rtp_ip"`
	RTPPortMin      *int    `toml:"rtp_port_min"`
	RTPPortMax      *int    `toml:"rtp_port_max"`
	PTime           *int    `toml:"ptime"`
	MaxTerminations *int    `toml:"max_terminations"`
	CPU             *int    `toml:"cpu"`
}

type fileClient struct {
	MaxSessions *int `toml:"max_sessions"`
}

type fileServer struct {
	Resources   []string `toml:"resources"`
	MaxSessions *int     `toml:"max_sessions"`
}

// Default returns the compiled-in configuration.
func Default() *Config {
	cfg := defaults()
	return &cfg
}

// Load returns defaults overlaid by path. An empty or missing path yields defaults.
func Load(ctx context.Context, path string) (*Config, error) {
	cfg := defaults()
	if strings.TrimSpace(path) != "" {
		if err := overlayFromFile(&cfg, path); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	_ = ctx
	return &cfg, nil
}

// Decode parses TOML text on top of defaults.
func Decode(text string) (*Config, error) {
	cfg := defaults()
	var decoded fileConfig
	if _, err := toml.Decode(text, &decoded); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := apply(&cfg, decoded, "<inline>"); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func defaults() Config {
	return Config{
		Log:  LogConfig{Level: defaultLogLevel, Format: defaultLogFormat},
		Pool: PoolConfig{Kind: defaultPoolKind, Size: defaultPoolSize},
		Connection: ConnectionConfig{
			ListenIP:         defaultListenIP,
			ListenPort:       defaultListenPort,
			MaxConnections:   defaultMaxConnections,
			ReuseConnections: true,
			RequestTimeout:   defaultRequestTimeout,
			CloseGrace:       defaultCloseGrace,
		},
		Media: MediaConfig{
			RTPIP:           defaultRTPIP,
			RTPPortMin:      defaultRTPPortMin,
			RTPPortMax:      defaultRTPPortMax,
			PTime:           defaultPTime,
			MaxTerminations: defaultMaxTerminations,
			CPU:             -1,
		},
		Client: ClientConfig{MaxSessions: defaultMaxSessions},
		Server: ServerConfig{
			Resources:   []string{"speechsynth", "speechrecog"},
			MaxSessions: defaultMaxSessions,
		},
	}
}

func overlayFromFile(cfg *Config, path string) error {
	if cfg == nil {
		return errors.New("config must not be nil")
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat config file %q: %w", path, err)
	}
	var decoded fileConfig
	if _, err := toml.DecodeFile(path, &decoded); err != nil {
		return fmt.Errorf("decode config file %q: %w", path, err)
	}
	return apply(cfg, decoded, path)
}

func apply(cfg *Config, f fileConfig, path string) error {
	if l := f.Log; l != nil {
		setString(&cfg.Log.Level, l.Level)
		setString(&cfg.Log.Format, l.Format)
	}
	if p := f.Pool; p != nil {
		setString(&cfg.Pool.Kind, p.Kind)
		setInt(&cfg.Pool.Size, p.Size)
	}
	if c := f.Connection; c != nil {
		setString(&cfg.Connection.ListenIP, c.ListenIP)
		setInt(&cfg.Connection.ListenPort, c.ListenPort)
		setInt(&cfg.Connection.MaxConnections, c.MaxConnections)
		if c.ReuseConnections != nil {
			cfg.Connection.ReuseConnections = *c.ReuseConnections
		}
		if err := setDuration(&cfg.Connection.RequestTimeout, c.RequestTimeout, "connection.request_timeout", path); err != nil {
			return err
		}
		if err := setDuration(&cfg.Connection.CloseGrace, c.CloseGrace, "connection.close_grace", path); err != nil {
			return err
		}
	}
	if m := f.Media; m != nil {
		setString(&cfg.Media.RTPIP, m.RTPIP)
		setInt(&cfg.Media.RTPPortMin, m.RTPPortMin)
		setInt(&cfg.Media.RTPPortMax, m.RTPPortMax)
		setInt(&cfg.Media.PTime, m.PTime)
		setInt(&cfg.Media.MaxTerminations, m.MaxTerminations)
		setInt(&cfg.Media.CPU, m.CPU)
	}
	if c := f.Client; c != nil {
		setInt(&cfg.Client.MaxSessions, c.MaxSessions)
	}
	if s := f.Server; s != nil {
		if s.Resources != nil {
			cfg.Server.Resources = append([]string(nil), s.Resources...)
		}
		setInt(&cfg.Server.MaxSessions, s.MaxSessions)
	}
	return nil
}

// Validate rejects settings the stacks cannot run with.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: want text or json", c.Log.Format)
	}
	switch c.Pool.Kind {
	case "dynamic", "bounded":
	default:
		return fmt.Errorf("pool.kind %q: want dynamic or bounded", c.Pool.Kind)
	}
	if c.Pool.Kind == "bounded" && c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be positive for a bounded pool")
	}
	// rtp_port_min = 0 selects ephemeral ports
	if c.Media.RTPPortMin < 0 || (c.Media.RTPPortMin > 0 && c.Media.RTPPortMax < c.Media.RTPPortMin) {
		return fmt.Errorf("media rtp port range %d-%d is invalid", c.Media.RTPPortMin, c.Media.RTPPortMax)
	}
	if c.Media.CPU < -1 {
		return fmt.Errorf("media.cpu %d: want -1 or a cpu index", c.Media.CPU)
	}
	if c.Media.PTime <= 0 {
		return fmt.Errorf("media.ptime must be positive")
	}
	if c.Connection.ListenPort < 0 || c.Connection.ListenPort > 65535 {
		return fmt.Errorf("connection.listen_port %d is out of range", c.Connection.ListenPort)
	}
	if c.Connection.RequestTimeout <= 0 {
		return fmt.Errorf("connection.request_timeout must be positive")
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil && strings.TrimSpace(*v) != "" {
		*dst = strings.TrimSpace(*v)
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string, key, path string) error {
	if v == nil {
		return nil
	}
	parsed, err := parseDuration(*v, key, path)
	if err != nil {
		return err
	}
	*dst = parsed
	return nil
}

func parseDuration(value, key, path string) (time.Duration, error) {
	parsed, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("parse %s in %q: %w", key, path, err)
	}
	return parsed, nil
}
