package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that decodes from YAML strings like "30s"
// or "24h" (plain integers are taken as seconds).
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, perr := time.ParseDuration(s)
		if perr != nil {
			return fmt.Errorf("invalid duration %q: %w", s, perr)
		}
		*d = Duration(parsed)
		return nil
	}
	var seconds int64
	if err := node.Decode(&seconds); err == nil {
		*d = Duration(time.Duration(seconds) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration value at line %d", node.Line)
}

// Config holds the full service configuration. Values come from an optional
// YAML file with environment overrides for secrets and the listen address;
// everything has a usable default so the server starts with no file at all.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Tasks  TasksConfig  `yaml:"tasks"`
	Upload UploadConfig `yaml:"upload"`
	VL     VLConfig     `yaml:"vl_model"`
	Gen    GenConfig    `yaml:"image_gen"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Host        string   `yaml:"host"`
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Debug       bool     `yaml:"debug"`
	LogFile     string   `yaml:"log_file"`
}

// TasksConfig configures the task registry and sweeper.
type TasksConfig struct {
	Dir           string   `yaml:"dir"`
	MaxTasks      int      `yaml:"max_tasks"`
	MaxAge        Duration `yaml:"max_age"`
	SweepInterval Duration `yaml:"sweep_interval"`
}

// UploadConfig bounds what the upload layer accepts.
type UploadConfig struct {
	MaxFileSize       int64    `yaml:"max_file_size"`
	AllowedExtensions []string `yaml:"allowed_extensions"`
}

// VLConfig configures the vision-language analysis service.
type VLConfig struct {
	BaseURL        string   `yaml:"base_url"`
	APIKey         string   `yaml:"api_key"`
	Model          string   `yaml:"model"`
	MaxTokens      int      `yaml:"max_tokens"`
	ThinkingBudget int      `yaml:"thinking_budget"`
	Timeout        Duration `yaml:"timeout"`
}

// GenConfig configures the image generation service.
type GenConfig struct {
	SubmitURL       string   `yaml:"submit_url"`
	TaskURL         string   `yaml:"task_url"` // job id is appended
	APIKey          string   `yaml:"api_key"`
	Model           string   `yaml:"model"`
	PollInterval    Duration `yaml:"poll_interval"`
	MaxWait         Duration `yaml:"max_wait"`
	Timeout         Duration `yaml:"timeout"`
	DownloadTimeout Duration `yaml:"download_timeout"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8000,
			CORSOrigins: []string{"http://localhost:5173", "http://127.0.0.1:5173"},
		},
		Tasks: TasksConfig{
			Dir:           "tasks",
			MaxTasks:      20,
			MaxAge:        Duration(24 * time.Hour),
			SweepInterval: Duration(time.Hour),
		},
		Upload: UploadConfig{
			MaxFileSize:       30 * 1024 * 1024,
			AllowedExtensions: []string{".jpg", ".jpeg", ".png", ".webp"},
		},
		VL: VLConfig{
			BaseURL:        "https://dashscope.aliyuncs.com/compatible-mode/v1",
			Model:          "qwen3-vl-plus",
			MaxTokens:      8192,
			ThinkingBudget: 8192,
			Timeout:        Duration(60 * time.Second),
		},
		Gen: GenConfig{
			SubmitURL:       "https://dashscope.aliyuncs.com/api/v1/services/aigc/image-generation/generation",
			TaskURL:         "https://dashscope.aliyuncs.com/api/v1/tasks",
			Model:           "wan2.6-image",
			PollInterval:    Duration(5 * time.Second),
			MaxWait:         Duration(300 * time.Second),
			Timeout:         Duration(60 * time.Second),
			DownloadTimeout: Duration(30 * time.Second),
		},
	}
}

// Load reads the config file at path (when non-empty), applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if key := os.Getenv("DASHSCOPE_API_KEY"); key != "" {
		if c.VL.APIKey == "" {
			c.VL.APIKey = key
		}
		if c.Gen.APIKey == "" {
			c.Gen.APIKey = key
		}
	}
	if host := os.Getenv("TRYON_HOST"); host != "" {
		c.Server.Host = host
	}
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		parts := strings.Split(origins, ",")
		trimmed := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				trimmed = append(trimmed, p)
			}
		}
		if len(trimmed) > 0 {
			c.Server.CORSOrigins = trimmed
		}
	}
	if dir := os.Getenv("TRYON_TASKS_DIR"); dir != "" {
		c.Tasks.Dir = dir
	}
}

func (c *Config) validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Tasks.MaxTasks <= 0 {
		return fmt.Errorf("tasks.max_tasks must be positive, got %d", c.Tasks.MaxTasks)
	}
	if c.Gen.PollInterval <= 0 {
		return fmt.Errorf("image_gen.poll_interval must be positive")
	}
	if c.Gen.MaxWait <= 0 {
		return fmt.Errorf("image_gen.max_wait must be positive")
	}
	return nil
}

// EnsureTasksDir creates the task root directory and returns its absolute path.
func (c *Config) EnsureTasksDir() (string, error) {
	abs, err := filepath.Abs(c.Tasks.Dir)
	if err != nil {
		return "", fmt.Errorf("resolve tasks dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return "", fmt.Errorf("create tasks dir: %w", err)
	}
	return abs, nil
}

// AllowedExtension reports whether ext (including the leading dot, any case)
// is an accepted upload extension.
func (c *Config) AllowedExtension(ext string) bool {
	ext = strings.ToLower(ext)
	for _, allowed := range c.Upload.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}
