// Package config loads the YAML configuration shared by the daemon and the
// command line tools.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ndnstream/backend/daemon/adaptation"
	"github.com/ndnstream/backend/daemon/player"
	"github.com/ndnstream/backend/daemon/transport"
	"github.com/ndnstream/backend/internal/validation"
)

// Config holds daemon configuration
type Config struct {
	QUICAddress          string `yaml:"quic_address"`
	ProducerAddress      string `yaml:"producer_address"`
	APIAddress           string `yaml:"api_address"`
	GRPCAddress          string `yaml:"grpc_address"`
	ObservabilityAddress string `yaml:"observability_address"`
	DataDirectory        string `yaml:"data_directory"`
	LogLevel             string `yaml:"log_level"`
	EventBufferSize      int    `yaml:"event_buffer_size"`

	Transport TransportConfig `yaml:"transport"`
	Player    PlayerConfig    `yaml:"player"`
	Producer  ProducerConfig  `yaml:"producer"`
	Store     StoreConfig     `yaml:"store"`
}

// TransportConfig tunes every fetch.
type TransportConfig struct {
	transport.Options `yaml:",inline"`
	Pacing            transport.PacingConfig `yaml:"pacing"`
	// MTU and LinkBitrate describe the path to the producer. The constant
	// rate pacer derives its rate from them.
	MTU         int    `yaml:"mtu"`
	LinkBitrate uint64 `yaml:"link_bitrate"`
}

// PlayerConfig is the streaming part of player.Config.
type PlayerConfig struct {
	Strategy            string        `yaml:"strategy"`
	ScreenWidth         int           `yaml:"screen_width"`
	ScreenHeight        int           `yaml:"screen_height"`
	AllowUpscale        bool          `yaml:"allow_upscale"`
	AllowDownscale      bool          `yaml:"allow_downscale"`
	StartRepresentation string        `yaml:"start_representation"`
	MaxBufferedSeconds  float64       `yaml:"max_buffered_seconds"`
	StartupDelay        time.Duration `yaml:"startup_delay"`
	SegmentStartWindow  int           `yaml:"segment_start_window"`
	TraceNotDownloaded  bool          `yaml:"trace_not_downloaded"`
}

// ProducerConfig configures the QUIC producer.
type ProducerConfig struct {
	Prefix    string        `yaml:"prefix"`
	MTU       int           `yaml:"mtu"`
	Freshness time.Duration `yaml:"freshness"`
	// Root serves files from disk when set.
	Root        string `yaml:"root"`
	CacheChunks int    `yaml:"cache_chunks"`
	// SizeTable serves zero-filled objects listed in a name,size CSV.
	SizeTable string `yaml:"size_table"`
	// Content serves synthetic media described by a representation CSV.
	Content string `yaml:"content"`
	MPDFile string `yaml:"mpd_file"`
	// RateLimit caps answered Interests per second per connection; zero
	// disables it.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

// StoreConfig locates the object and trace databases.
type StoreConfig struct {
	ObjectDB   string        `yaml:"object_db"`
	TraceDB    string        `yaml:"trace_db"`
	Retention  time.Duration `yaml:"retention"`
	GCInterval time.Duration `yaml:"gc_interval"`
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".local", "share", "ndnstream")

	pc := player.DefaultConfig()
	return &Config{
		QUICAddress:          ":6363",
		ProducerAddress:      "127.0.0.1:6363",
		APIAddress:           "127.0.0.1:8080",
		GRPCAddress:          "127.0.0.1:9090",
		ObservabilityAddress: "127.0.0.1:9100",
		DataDirectory:        dataDir,
		LogLevel:             "info",
		EventBufferSize:      100,
		Transport: TransportConfig{
			Options:     transport.DefaultOptions(),
			Pacing:      transport.PacingConfig{Kind: transport.PacingConstantRate},
			MTU:         1500,
			LinkBitrate: 100_000_000,
		},
		Player: PlayerConfig{
			Strategy:            pc.Strategy,
			ScreenWidth:         pc.ScreenWidth,
			ScreenHeight:        pc.ScreenHeight,
			AllowUpscale:        pc.AllowUpscale,
			AllowDownscale:      pc.AllowDownscale,
			StartRepresentation: pc.StartRepresentation,
			MaxBufferedSeconds:  pc.MaxBufferedSeconds,
			StartupDelay:        pc.StartupDelay,
			SegmentStartWindow:  pc.SegmentStartWindow,
		},
		Producer: ProducerConfig{
			Prefix:      "/ndnstream",
			MTU:         1500,
			Freshness:   10 * time.Second,
			CacheChunks: 4096,
			Burst:       64,
		},
		Store: StoreConfig{
			Retention:  24 * time.Hour,
			GCInterval: time.Hour,
		},
	}
}

// LoadConfig reads a YAML file over the defaults. An empty path returns the
// defaults.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", configPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values the components would reject later.
func (c *Config) Validate() error {
	var errs []error
	for key, addr := range map[string]string{
		"quic_address":          c.QUICAddress,
		"producer_address":      c.ProducerAddress,
		"api_address":           c.APIAddress,
		"grpc_address":          c.GRPCAddress,
		"observability_address": c.ObservabilityAddress,
	} {
		if err := validation.ValidateAddr(addr); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if err := validation.ValidateName(c.Producer.Prefix); err != nil {
		errs = append(errs, fmt.Errorf("producer.prefix: %w", err))
	}
	for key, path := range map[string]string{
		"producer.root":       c.Producer.Root,
		"producer.size_table": c.Producer.SizeTable,
		"producer.content":    c.Producer.Content,
	} {
		if path == "" {
			continue
		}
		if err := validation.ValidateFilePath(path, true); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
		}
	}
	if c.Producer.MTU < 64 {
		errs = append(errs, fmt.Errorf("producer.mtu %d is too small", c.Producer.MTU))
	}
	if c.Transport.MTU < 64 {
		errs = append(errs, fmt.Errorf("transport.mtu %d is too small", c.Transport.MTU))
	}
	if c.Transport.LinkBitrate == 0 {
		errs = append(errs, errors.New("transport.link_bitrate must be positive"))
	}
	if c.Transport.MaxRTT > 0 && c.Transport.MaxRTT < transport.MinTimeout {
		errs = append(errs, fmt.Errorf("transport.max_rtt %v is below the %v timeout floor", c.Transport.MaxRTT, transport.MinTimeout))
	}
	if c.Player.MaxBufferedSeconds <= 0 {
		errs = append(errs, errors.New("player.max_buffered_seconds must be positive"))
	}
	if _, err := transport.NewPacer(c.Transport.Pacing); err != nil {
		errs = append(errs, err)
	}
	if c.Player.Strategy != "" {
		if !adaptation.DefaultRegistry().Has(c.Player.Strategy) {
			errs = append(errs, fmt.Errorf("%w: %s", adaptation.ErrUnknownStrategy, c.Player.Strategy))
		}
	}
	return errors.Join(errs...)
}

// ObjectDBPath resolves the object store path against the data directory.
func (c *Config) ObjectDBPath() string {
	return c.resolve(c.Store.ObjectDB, "objects.db")
}

// TraceDBPath resolves the trace store path against the data directory.
func (c *Config) TraceDBPath() string {
	return c.resolve(c.Store.TraceDB, "traces.db")
}

func (c *Config) resolve(path, fallback string) string {
	if path == "" {
		path = fallback
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.DataDirectory, path)
}

// PlayerDefaults builds the base orchestrator configuration. Clock, face,
// stream name and observers are left to the caller.
func (c *Config) PlayerDefaults() (player.Config, error) {
	newPacer, err := transport.PacerFactory(c.Transport.Pacing)
	if err != nil {
		return player.Config{}, err
	}
	pc := player.DefaultConfig()
	pc.NewPacer = newPacer
	pc.Transport = c.Transport.Options
	pc.Strategy = c.Player.Strategy
	pc.ScreenWidth = c.Player.ScreenWidth
	pc.ScreenHeight = c.Player.ScreenHeight
	pc.AllowUpscale = c.Player.AllowUpscale
	pc.AllowDownscale = c.Player.AllowDownscale
	pc.StartRepresentation = c.Player.StartRepresentation
	pc.MaxBufferedSeconds = c.Player.MaxBufferedSeconds
	pc.StartupDelay = c.Player.StartupDelay
	pc.SegmentStartWindow = c.Player.SegmentStartWindow
	pc.TraceNotDownloaded = c.Player.TraceNotDownloaded
	return pc, nil
}
