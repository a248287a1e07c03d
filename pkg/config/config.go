// Copyright 2022-2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

var (
	ErrEmptyConfig        = errors.New("empty config")
	ErrInvalidPointerSize = errors.New("pointer size must be 4 or 8")
)

// Config holds the tunables that can be kept in a file instead of being
// passed as flags every time. Zero values mean "use the default".
type Config struct {
	Sizer    SizerConfig    `yaml:"sizer,omitempty"`
	Estimate EstimateConfig `yaml:"estimate,omitempty"`
}

type SizerConfig struct {
	// PointerSize is the width of a return address of the target, in bytes.
	PointerSize uint64 `yaml:"pointer_size,omitempty"`
}

type EstimateConfig struct {
	// Floor is the minimum goroutine stack size of the Go release the
	// profiled program was built with.
	Floor       uint64 `yaml:"floor,omitempty"`
	Concurrency int    `yaml:"concurrency,omitempty"`
	CacheSize   int    `yaml:"cache_size,omitempty"`
}

func (c Config) String() string {
	b, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Sprintf("<error creating config string: %s>", err)
	}
	return string(b)
}

func (c *Config) Validate() error {
	switch c.Sizer.PointerSize {
	case 0, 4, 8:
	default:
		return fmt.Errorf("%w, got %d", ErrInvalidPointerSize, c.Sizer.PointerSize)
	}
	if c.Estimate.Concurrency < 0 {
		return fmt.Errorf("concurrency must not be negative, got %d", c.Estimate.Concurrency)
	}
	if c.Estimate.CacheSize < 0 {
		return fmt.Errorf("cache size must not be negative, got %d", c.Estimate.CacheSize)
	}
	return nil
}

// Load parses the YAML input b into a Config.
func Load(b []byte) (*Config, error) {
	if len(b) == 0 {
		return nil, ErrEmptyConfig
	}

	cfg := &Config{}

	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("unmarshaling YAML: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile parses the given YAML file into a Config.
func LoadFile(filename string) (*Config, error) {
	content, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	cfg, err := Load(content)
	if err != nil {
		return nil, fmt.Errorf("parsing YAML file %s: %w", filename, err)
	}
	return cfg, nil
}
