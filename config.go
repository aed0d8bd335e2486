package callkit

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/pion/webrtc/v4"

	"github.com/drivelink/callkit/media"
)

// Duration is a time.Duration that unmarshals from YAML strings like "45s".
type Duration time.Duration

func (d Duration) MarshalYAML() ([]byte, error) {
	return yaml.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalYAML(data []byte) error {
	var s string
	if err := yaml.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parsing duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

type RelayConfig struct {
	URL     string `yaml:"url"`
	AuthURL string `yaml:"auth_url"`
	APIKey  string `yaml:"api_key"`
}

type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username"`
	Credential string   `yaml:"credential"`
}

type MediaConfig struct {
	SampleRate   int `yaml:"sample_rate"`
	ChannelCount int `yaml:"channel_count"`
	Width        int `yaml:"width"`
	Height       int `yaml:"height"`
	VideoBitRate int `yaml:"video_bit_rate"`
}

type LogConfig struct {
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

type Config struct {
	Relay      RelayConfig `yaml:"relay"`
	ICEServers []ICEServer `yaml:"ice_servers"`
	// RingTimeout bounds how long calling/incoming may persist without a
	// response before the attempt is cancelled and media released.
	RingTimeout Duration `yaml:"ring_timeout"`
	// EndedLinger is how long the ended state is displayed before the
	// session reverts to idle.
	EndedLinger Duration    `yaml:"ended_linger"`
	Media       MediaConfig `yaml:"media"`
	Log         LogConfig   `yaml:"log"`
}

func DefaultConfig() Config {
	return Config{
		ICEServers: []ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
		RingTimeout: Duration(45 * time.Second),
		EndedLinger: Duration(2 * time.Second),
		Media: MediaConfig{
			SampleRate:   48000,
			ChannelCount: 1,
			Width:        1280,
			Height:       720,
			VideoBitRate: 500_000,
		},
		Log: LogConfig{
			File:       "callkit.log",
			MaxSizeMB:  10,
			MaxBackups: 2,
			MaxAgeDays: 3,
		},
	}
}

// LoadConfig reads a YAML file over the defaults.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.RingTimeout <= 0 {
		return fmt.Errorf("ring_timeout must be positive")
	}
	if c.EndedLinger < 0 {
		return fmt.Errorf("ended_linger must not be negative")
	}
	for _, srv := range c.ICEServers {
		if len(srv.URLs) == 0 {
			return fmt.Errorf("ice server entry without urls")
		}
	}
	return nil
}

// WebRTC maps the ICE server list onto a pion configuration.
func (c Config) WebRTC() webrtc.Configuration {
	servers := make([]webrtc.ICEServer, 0, len(c.ICEServers))
	for _, srv := range c.ICEServers {
		s := webrtc.ICEServer{URLs: srv.URLs, Username: srv.Username}
		if srv.Credential != "" {
			s.Credential = srv.Credential
		}
		servers = append(servers, s)
	}
	return webrtc.Configuration{ICEServers: servers}
}

// MediaConstraints derives the capture constraints for a call mode.
func (c Config) MediaConstraints(mode CallMode) media.Constraints {
	return media.Constraints{
		Audio:        true,
		Video:        mode == ModeVideo,
		SampleRate:   c.Media.SampleRate,
		ChannelCount: c.Media.ChannelCount,
		Width:        c.Media.Width,
		Height:       c.Media.Height,
		VideoBitRate: c.Media.VideoBitRate,
	}
}
