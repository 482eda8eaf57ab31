package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/voicelink-io/voicelink/internal/logger"
)

// Config represents the full application configuration.
type Config struct {
	RootDir string `mapstructure:"-" yaml:"-"`

	Endpoint        string `mapstructure:"endpoint" yaml:"endpoint"`
	AccessToken     string `mapstructure:"access_token" yaml:"access_token"`
	DeviceID        string `mapstructure:"device_id" yaml:"device_id"`
	ClientID        string `mapstructure:"client_id" yaml:"client_id"`
	ProtocolVersion int    `mapstructure:"protocol_version" yaml:"protocol_version"`
	ListenMode      string `mapstructure:"listen_mode" yaml:"listen_mode"`

	AudioFormat   string `mapstructure:"audio_format" yaml:"audio_format"`
	SampleRate    int    `mapstructure:"sample_rate" yaml:"sample_rate"`
	Channels      int    `mapstructure:"channels" yaml:"channels"`
	FrameDuration int    `mapstructure:"frame_duration" yaml:"frame_duration"`

	InsecureTLS   bool `mapstructure:"insecure_tls" yaml:"insecure_tls"`
	AutoReconnect bool `mapstructure:"auto_reconnect" yaml:"auto_reconnect"`

	StatusAddr       string `mapstructure:"status_addr" yaml:"status_addr"`
	TranscriptDir    string `mapstructure:"transcript_dir" yaml:"transcript_dir"`
	RecordPath       string `mapstructure:"record_path" yaml:"record_path"`
	RecordSampleRate int    `mapstructure:"record_sample_rate" yaml:"record_sample_rate"`

	Log logger.Config `mapstructure:"log" yaml:"log"`
}

// Load reads conf.yaml from the resolved root directory, merged over defaults
// and environment variables.
func Load() (Config, error) {
	rootDir, err := resolveRootDir()
	if err != nil {
		return Config{}, err
	}

	v := newViper()
	v.SetConfigName("conf")
	v.SetConfigType("yaml")
	v.AddConfigPath(rootDir)

	if err := v.MergeInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	return finalize(v, rootDir)
}

// LoadConfig reads the configuration from an explicit file path. An empty
// path falls back to Load.
func LoadConfig(configPath string) (Config, error) {
	path := strings.TrimSpace(configPath)
	if path == "" {
		return Load()
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, err
	}

	rootDir := strings.TrimSpace(os.Getenv("VOICELINK_ROOT_DIR"))
	if rootDir == "" {
		rootDir = filepath.Dir(absPath)
	}

	v := newViper()
	v.SetConfigFile(absPath)
	if err := v.MergeInConfig(); err != nil {
		return Config{}, err
	}

	return finalize(v, rootDir)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("endpoint", "")
	v.SetDefault("access_token", "")
	v.SetDefault("protocol_version", 1)
	v.SetDefault("listen_mode", "auto")
	v.SetDefault("audio_format", "opus")
	v.SetDefault("sample_rate", 16000)
	v.SetDefault("channels", 1)
	v.SetDefault("frame_duration", 20)
	v.SetDefault("insecure_tls", false)
	v.SetDefault("auto_reconnect", false)
	v.SetDefault("status_addr", "")
	v.SetDefault("transcript_dir", "")
	v.SetDefault("record_path", "")
	v.SetDefault("record_sample_rate", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("log.stdout", true)
	v.SetDefault("log.file.enabled", true)
	v.SetDefault("log.file.path", "./data/logs")
	v.SetDefault("log.file.name", "voicelink.log")
	v.SetDefault("log.file.max_size_mb", 50)
	v.SetDefault("log.file.max_backups", 5)
	v.SetDefault("log.file.max_age_days", 30)
	v.SetDefault("log.file.compress", true)

	v.SetEnvPrefix("voicelink")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func finalize(v *viper.Viper, rootDir string) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	cfg.RootDir = rootDir
	applyIdentityDefaults(&cfg)
	derivePaths(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyIdentityDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.DeviceID) == "" {
		cfg.DeviceID = uuid.NewString()
	}
	if strings.TrimSpace(cfg.ClientID) == "" {
		cfg.ClientID = uuid.NewString()
	}
}

func derivePaths(cfg *Config) {
	if cfg.TranscriptDir != "" {
		cfg.TranscriptDir = resolvePath(cfg.RootDir, cfg.TranscriptDir)
	}
	if cfg.RecordPath != "" {
		cfg.RecordPath = resolvePath(cfg.RootDir, cfg.RecordPath)
	}
	if cfg.Log.File.Enabled && cfg.Log.File.Path != "" {
		cfg.Log.File.Path = resolvePath(cfg.RootDir, cfg.Log.File.Path)
	}
}

func validate(cfg Config) error {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return fmt.Errorf("endpoint is required")
	}
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 || cfg.FrameDuration <= 0 {
		return fmt.Errorf("invalid audio params: sample_rate=%d channels=%d frame_duration=%d",
			cfg.SampleRate, cfg.Channels, cfg.FrameDuration)
	}
	if cfg.SampleRate*cfg.FrameDuration%1000 != 0 {
		return fmt.Errorf("frame_duration %dms does not divide into whole samples at %dHz",
			cfg.FrameDuration, cfg.SampleRate)
	}
	if cfg.ProtocolVersion <= 0 {
		return fmt.Errorf("protocol_version must be positive, got %d", cfg.ProtocolVersion)
	}
	return nil
}

// WriteDefault writes a fully-commented default configuration to path,
// refusing to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}

	cfg := Config{
		Endpoint:        "wss://api.tenclass.net/xiaozhi/v1/",
		ProtocolVersion: 1,
		ListenMode:      "auto",
		AudioFormat:     "opus",
		SampleRate:      16000,
		Channels:        1,
		FrameDuration:   20,
		Log: logger.Config{
			Level:  "info",
			Format: "console",
			Stdout: true,
			File: logger.FileConfig{
				Enabled:    true,
				Path:       "./data/logs",
				Name:       "voicelink.log",
				MaxSizeMB:  50,
				MaxBackups: 5,
				MaxAgeDays: 30,
				Compress:   true,
			},
		},
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, data, 0o644)
}

func resolveRootDir() (string, error) {
	if root := strings.TrimSpace(os.Getenv("VOICELINK_ROOT_DIR")); root != "" {
		return filepath.Abs(root)
	}

	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}

	dir := wd
	for i := 0; i < 6; i++ {
		if fileExists(filepath.Join(dir, "conf.yaml")) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return wd, nil
}

func resolvePath(rootDir string, path string) string {
	path = strings.TrimSpace(path)
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(rootDir, path)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
