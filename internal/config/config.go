package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Agent struct {
	ID           string `mapstructure:"id"`
	Model        string `mapstructure:"model"`
	Name         string `mapstructure:"name"`
	Instructions string `mapstructure:"instructions"`
}

type Audio struct {
	SampleRate int `mapstructure:"sample_rate"`
	ChunkSize  int `mapstructure:"chunk_size"`
}

type History struct {
	RecentWindow int `mapstructure:"recent_window"`
	TrimAt       int `mapstructure:"trim_at"`
	TrimTo       int `mapstructure:"trim_to"`
}

type Gateway struct {
	Port            int      `mapstructure:"port"`
	UpstreamURL     string   `mapstructure:"upstream_url"`
	APIKey          string   `mapstructure:"api_key"`
	APIVersion      string   `mapstructure:"api_version"`
	Voice           string   `mapstructure:"voice"`
	AvatarCharacter string   `mapstructure:"avatar_character"`
	AvatarStyle     string   `mapstructure:"avatar_style"`
	VideoWidth      int      `mapstructure:"video_width"`
	VideoHeight     int      `mapstructure:"video_height"`
	Bitrate         int      `mapstructure:"bitrate"`
	IceURLs         []string `mapstructure:"ice_urls"`
}

type Config struct {
	Mode       string  `mapstructure:"mode"`
	BackendURL string  `mapstructure:"backend_url"`
	Agent      Agent   `mapstructure:"agent"`
	Audio      Audio   `mapstructure:"audio"`
	History    History `mapstructure:"history"`
	Gateway    Gateway `mapstructure:"gateway"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("backend_url", "http://localhost:8080")
	v.SetDefault("agent.model", "gpt-4o-realtime-preview")
	v.SetDefault("agent.name", "assistant")
	v.SetDefault("audio.sample_rate", 24000)
	v.SetDefault("audio.chunk_size", 4096)
	v.SetDefault("history.recent_window", 8)
	v.SetDefault("history.trim_at", 20)
	v.SetDefault("history.trim_to", 12)
	v.SetDefault("gateway.port", 8080)
	v.SetDefault("gateway.api_version", "2025-05-01-preview")
	v.SetDefault("gateway.voice", "en-US-AvaNeural")
	v.SetDefault("gateway.avatar_character", "lisa")
	v.SetDefault("gateway.avatar_style", "casual-sitting")
	v.SetDefault("gateway.video_width", 1280)
	v.SetDefault("gateway.video_height", 720)
	v.SetDefault("gateway.bitrate", 2000000)

	v.SetEnvPrefix("VOX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	fmt.Printf("🧩 Mode: %s | Backend: %s | Agent: %s\n", cfg.Mode, cfg.BackendURL, cfg.Agent.Name)
	return &cfg, nil
}
