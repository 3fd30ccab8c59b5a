/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package config loads the YAML configuration shared by the dada commands.
//
//	buffer:
//	  key: 0xdada
//	  dir: /dev/shm
//	  geometry:
//	    page_size: 524288
//	    pages: 4
//	    header_size: 4096
//	    header_pages: 8
//	    readers: 1
//	log:
//	  level: info
//	  format: text
//	monitor:
//	  listen: 127.0.0.1:7070
//	  metrics_listen: 127.0.0.1:9090
//	  interval: 1s
//
// Values from the file are merged over Default. DADA_KEY, DADA_DIR and
// DADA_LOG_LEVEL override the file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dadaring/go-dada/dada"
)

// Config is the complete configuration.
type Config struct {
	Buffer  BufferConfig  `yaml:"buffer"`
	Log     LogConfig     `yaml:"log"`
	Monitor MonitorConfig `yaml:"monitor"`
}

// BufferConfig identifies a buffer and the geometry used to create it.
type BufferConfig struct {
	Key      dada.Key      `yaml:"key"`
	Dir      string        `yaml:"dir,omitempty"` // empty selects /dev/shm or the temp dir
	Geometry dada.Geometry `yaml:"geometry"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn or error
	Format string `yaml:"format"` // text or json
}

// MonitorConfig configures dada serve and dada monitor.
type MonitorConfig struct {
	Listen        string   `yaml:"listen"`
	MetricsListen string   `yaml:"metrics_listen"`
	Interval      Duration `yaml:"interval"`
}

// Duration is a time.Duration written as a string such as "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	if n.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", n.Line)
	}
	v, err := time.ParseDuration(n.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Buffer: BufferConfig{
			Key:      dada.DefaultKey,
			Geometry: dada.DefaultGeometry(),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Monitor: MonitorConfig{
			Listen:        "127.0.0.1:7070",
			MetricsListen: "127.0.0.1:9090",
			Interval:      Duration(time.Second),
		},
	}
}

// Load reads the file at path over Default, applies the environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := cfg.decode(data); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse is Load for configuration already in memory. Environment overrides
// are not applied.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv applies the DADA_* overrides read through getenv.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("DADA_KEY"); v != "" {
		k, err := dada.ParseKey(v)
		if err != nil {
			return fmt.Errorf("DADA_KEY: %w", err)
		}
		c.Buffer.Key = k
	}
	if v := getenv("DADA_DIR"); v != "" {
		c.Buffer.Dir = v
	}
	if v := getenv("DADA_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	return nil
}

// Validate checks every section.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Buffer.Geometry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("buffer.geometry: %w", err))
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if c.Monitor.Listen == "" {
		errs = append(errs, errors.New("monitor.listen: must not be empty"))
	}
	if c.Monitor.Interval <= 0 {
		errs = append(errs, fmt.Errorf("monitor.interval: must be positive, got %s", c.Monitor.Interval.Std()))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Marshal renders c as YAML.
func (c *Config) Marshal() ([]byte, error) {
	var b bytes.Buffer
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// Options returns the dada options that locate the configured buffer.
func (c *Config) Options() []dada.Option {
	if c.Buffer.Dir == "" {
		return nil
	}
	return []dada.Option{dada.WithDir(c.Buffer.Dir)}
}

// ParseLevel parses a log level name.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown level %q", s)
}
