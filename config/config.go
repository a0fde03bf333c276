package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/chaos-io/bgstrip/rembg"
	"github.com/chaos-io/bgstrip/strip"
)

// Config 一次批处理的全部参数，可以来自 YAML 清单，也可以由命令行覆盖
type Config struct {
	Dir        string   `yaml:"dir"`
	Files      []string `yaml:"files"`
	Remover    string   `yaml:"remover"`
	Workers    int      `yaml:"workers"`
	KeepGoing  bool     `yaml:"keep_going"`
	TempSuffix string   `yaml:"temp_suffix"`
	LogLevel   string   `yaml:"log_level"`

	Flood    FloodConfig    `yaml:"flood"`
	BiRefNet BiRefNetConfig `yaml:"birefnet"`
}

type FloodConfig struct {
	Tolerance float64 `yaml:"tolerance"`
	WorkSize  int     `yaml:"work_size"`
	Feather   int     `yaml:"feather"`
}

type BiRefNetConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	Timeout      time.Duration `yaml:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Workflow     string        `yaml:"workflow"`
}

func Default() Config {
	return Config{
		Dir:        ".",
		Remover:    rembg.NameFlood,
		Workers:    1,
		TempSuffix: strip.DefaultTempSuffix,
		LogLevel:   zerolog.InfoLevel.String(),
		Flood: FloodConfig{
			Tolerance: 0.12,
			WorkSize:  512,
			Feather:   1,
		},
		BiRefNet: BiRefNetConfig{
			Endpoint:     "http://127.0.0.1:8188",
			Timeout:      2 * time.Minute,
			PollInterval: time.Second,
		},
	}
}

// Load 读取 YAML 清单，未出现的字段保留默认值
// 清单中的相对 dir / workflow 以清单所在目录为基准
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read manifest: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse manifest %s: %w", path, err)
	}

	base := filepath.Dir(path)
	if cfg.Dir != "" && !filepath.IsAbs(cfg.Dir) {
		cfg.Dir = filepath.Join(base, cfg.Dir)
	}
	if cfg.BiRefNet.Workflow != "" && !filepath.IsAbs(cfg.BiRefNet.Workflow) {
		cfg.BiRefNet.Workflow = filepath.Join(base, cfg.BiRefNet.Workflow)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	if len(c.Files) == 0 {
		errs = append(errs, errors.New("no files to process"))
	}
	seen := make(map[string]bool, len(c.Files))
	for _, f := range c.Files {
		if strings.TrimSpace(f) == "" {
			errs = append(errs, errors.New("empty file name"))
			continue
		}
		clean := filepath.Clean(f)
		if seen[clean] {
			errs = append(errs, fmt.Errorf("duplicate file %q", f))
		}
		seen[clean] = true
	}
	if c.TempSuffix != "" {
		for _, f := range c.Files {
			if strings.TrimSpace(f) != "" && seen[filepath.Clean(f)+c.TempSuffix] {
				errs = append(errs, fmt.Errorf("file %q collides with temporary file of %q", f+c.TempSuffix, f))
			}
		}
	}

	switch c.Remover {
	case rembg.NameFlood, rembg.NameBiRefNet, rembg.NameNone:
	default:
		errs = append(errs, fmt.Errorf("unknown remover %q (want %s, %s or %s)",
			c.Remover, rembg.NameFlood, rembg.NameBiRefNet, rembg.NameNone))
	}

	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be >= 1, got %d", c.Workers))
	}
	if c.TempSuffix == "" || strings.ContainsRune(c.TempSuffix, filepath.Separator) {
		errs = append(errs, fmt.Errorf("invalid temp suffix %q", c.TempSuffix))
	}
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("invalid log level %q", c.LogLevel))
	}

	if c.Flood.Tolerance <= 0 || c.Flood.Tolerance > 1 {
		errs = append(errs, fmt.Errorf("flood tolerance must be in (0, 1], got %g", c.Flood.Tolerance))
	}
	if c.Flood.WorkSize < 1 {
		errs = append(errs, fmt.Errorf("flood work size must be >= 1, got %d", c.Flood.WorkSize))
	}
	if c.Flood.Feather < 0 {
		errs = append(errs, fmt.Errorf("flood feather must be >= 0, got %d", c.Flood.Feather))
	}

	if c.Remover == rembg.NameBiRefNet {
		if c.BiRefNet.Endpoint == "" {
			errs = append(errs, errors.New("birefnet endpoint is required"))
		}
		if c.BiRefNet.Timeout <= 0 || c.BiRefNet.PollInterval <= 0 {
			errs = append(errs, errors.New("birefnet timeout and poll interval must be positive"))
		}
	}

	return errors.Join(errs...)
}

// RemoverOptions 转换成 rembg 的参数
func (c Config) RemoverOptions() rembg.Options {
	return rembg.Options{
		Flood: rembg.FloodOptions{
			Tolerance: c.Flood.Tolerance,
			WorkSize:  c.Flood.WorkSize,
			Feather:   c.Flood.Feather,
		},
		BiRefNet: rembg.BiRefNetOptions{
			Endpoint:     c.BiRefNet.Endpoint,
			Timeout:      c.BiRefNet.Timeout,
			PollInterval: c.BiRefNet.PollInterval,
			Workflow:     c.BiRefNet.Workflow,
		},
	}
}
