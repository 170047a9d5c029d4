package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full server configuration. Values come from the optional
// yaml file, then environment variables, then flags, later sources winning.
type Config struct {
	APIListenAddr string `yaml:"api_listen_addr"`
	WSListenAddr  string `yaml:"ws_listen_addr"`
	LogLevel      string `yaml:"log_level"`

	Room struct {
		IdleThreshold time.Duration `yaml:"idle_threshold"`
		SweepInterval time.Duration `yaml:"sweep_interval"`
	} `yaml:"room"`

	Relay struct {
		MinHitSpacing time.Duration `yaml:"min_hit_spacing"`
	} `yaml:"relay"`

	Countdown struct {
		BPM                  int           `yaml:"bpm"`
		BeatCount            int           `yaml:"beat_count"`
		Interval             time.Duration `yaml:"interval"`
		StartDelay           time.Duration `yaml:"start_delay"`
		StopCancelsCountdown bool          `yaml:"stop_cancels_countdown"`
	} `yaml:"countdown"`
}

func Default() Config {
	var cfg Config
	cfg.APIListenAddr = ":8080"
	cfg.WSListenAddr = ":8888"
	cfg.LogLevel = "debug"
	cfg.Room.IdleThreshold = time.Hour
	cfg.Room.SweepInterval = 30 * time.Minute
	cfg.Relay.MinHitSpacing = 50 * time.Millisecond
	cfg.Countdown.BPM = 90
	cfg.Countdown.BeatCount = 4
	cfg.Countdown.Interval = 666 * time.Millisecond
	cfg.Countdown.StartDelay = 100 * time.Millisecond
	return cfg
}

// Load reads the yaml file when path is non-empty and applies environment
// overrides on top of the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.APIListenAddr = getEnv("DRUM_API_LISTEN_ADDR", cfg.APIListenAddr)
	cfg.WSListenAddr = getEnv("DRUM_WS_LISTEN_ADDR", cfg.WSListenAddr)
	cfg.LogLevel = getEnv("DRUM_LOG_LEVEL", cfg.LogLevel)
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
