// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2026 IceFoxs
// SPDX-FileContributor: IceFoxs

package moquette

import (
	"encoding/json"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"
)

// Options contains configurable options for the broker engine.
// Note: struct fields must be public in order for unmarshal to
// correctly populate the data.
type Options struct {
	// AllowAnonymous permits CONNECT packets carrying no credentials.
	AllowAnonymous bool `yaml:"allow_anonymous" json:"allow_anonymous"`

	// AllowZeroByteClientID permits connections with an empty client
	// identifier. Such connections must request a clean session, and are
	// assigned a generated identifier.
	AllowZeroByteClientID bool `yaml:"allow_zero_byte_client_id" json:"allow_zero_byte_client_id"`

	// ImmediateBufferFlush flushes the transport on every write instead of
	// batching until the end of a read batch.
	ImmediateBufferFlush bool `yaml:"immediate_buffer_flush" json:"immediate_buffer_flush"`

	// Auth validates connecting credentials. Defaults to AllowAll.
	Auth Authenticator `yaml:"-" json:"-"`

	// Logger is the structured logger used by the broker and its
	// connections. Defaults to slog.Default.
	Logger *slog.Logger `yaml:"-" json:"-"`
}

// ensureDefaults fills any unset options with sane defaults.
func (o *Options) ensureDefaults() {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}

	if o.Auth == nil {
		o.Auth = new(AllowAll)
	}
}

// Config defines the structure of configuration data parsed from a file.
type Config struct {
	Server struct {
		// Options contains configurable options for the broker.
		Options Options `yaml:"options" json:"options"`
	} `yaml:"server" json:"server"`
}

// FromBytes unmarshals a byte slice of YAML or JSON config data into a
// usable options value, choosing the format by the first byte.
func FromBytes(b []byte) (*Options, error) {
	if len(b) == 0 {
		return nil, nil
	}

	config := new(Config)
	if b[0] == '{' {
		if err := json.Unmarshal(b, config); err != nil {
			return nil, err
		}
	} else {
		if err := yaml.Unmarshal(b, config); err != nil {
			return nil, err
		}
	}

	return &config.Server.Options, nil
}

// OpenConfigFile reads a config file from p and parses it into options.
func OpenConfigFile(p string) (*Options, error) {
	if p == "" {
		return nil, nil
	}

	data, err := os.ReadFile(p)
	if err != nil {
		return nil, err
	}

	return FromBytes(data)
}
