// Copyright 2024 The corehost Authors
// This file is part of the corehost library.
//
// The corehost library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The corehost library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the corehost library. If not, see <http://www.gnu.org/licenses/>.

// Package config loads the TOML configuration file for corehostd, in
// the same style as cmd/gprobe's tomlSettings: struct field names map
// directly to TOML keys, and unknown fields are a hard error (with an
// escape hatch for fields the daemon has since deprecated).
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"reflect"
	"time"
	"unicode"

	"github.com/naoina/toml"
)

var settings = toml.Config{
	NormFieldName: func(rt reflect.Type, key string) string { return key },
	FieldToKey:    func(rt reflect.Type, field string) string { return field },
	MissingField: func(rt reflect.Type, field string) error {
		id := fmt.Sprintf("%s.%s", rt.String(), field)
		if deprecated(id) {
			return nil
		}
		var link string
		if unicode.IsUpper(rune(rt.Name()[0])) && rt.PkgPath() != "main" {
			link = fmt.Sprintf(", see godoc for %s#%s", rt.PkgPath(), rt.Name())
		}
		return fmt.Errorf("field '%s' is not defined in %s%s", field, rt.String(), link)
	},
}

func deprecated(field string) bool { return false }

// AcceptorConfig is the TOML-facing mirror of acceptor.Config:
// duration fields are strings here (TOML has no native duration type)
// and parsed by HandshakeTimeoutDuration.
type AcceptorConfig struct {
	Host             string
	Port             int
	HandshakeTimeout string `toml:",omitempty"`
	MaxInflight      int64  `toml:",omitempty"`
	AcceptRatePerSec float64 `toml:",omitempty"`
	AcceptBurst      int     `toml:",omitempty"`
	TLSCertFile      string  `toml:",omitempty"`
	TLSKeyFile       string  `toml:",omitempty"`

	// NATPMPEnable punches the bound listening port through NATGatewayIP
	// via NAT-PMP (falling back to UPnP IGD discovery if the gateway
	// does not answer) once the listener is up.
	NATPMPEnable bool   `toml:",omitempty"`
	NATGatewayIP string `toml:",omitempty"`
}

// AdminConfig configures the diagnostics HTTP API.
type AdminConfig struct {
	Listen string `toml:",omitempty"`
}

// Config is the top-level corehostd configuration document.
type Config struct {
	Acceptor AcceptorConfig
	Admin    AdminConfig
}

// Default returns the built-in configuration, the same role
// gprobeConfig{Probe: probeconfig.Defaults, ...} plays in the
// teacher's dumpConfig flow.
func Default() Config {
	return Config{
		Acceptor: AcceptorConfig{
			Host:             "0.0.0.0",
			Port:             9090,
			HandshakeTimeout: "10s",
			MaxInflight:      256,
			AcceptRatePerSec: 200,
			AcceptBurst:      50,
		},
		Admin: AdminConfig{
			Listen: "127.0.0.1:9091",
		},
	}
}

// Load reads and decodes a TOML file into cfg, starting from
// whatever cfg already holds (callers pass Default() to fill
// unset fields with it).
func Load(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	err = settings.NewDecoder(bufio.NewReader(f)).Decode(cfg)
	if _, ok := err.(*toml.LineError); ok {
		err = errors.New(path + ", " + err.Error())
	}
	return err
}

// Dump renders cfg back to TOML, the same role dumpConfig plays for
// gprobe's "dumpconfig" subcommand.
func Dump(cfg *Config) ([]byte, error) {
	return settings.Marshal(cfg)
}

// HandshakeTimeoutDuration parses AcceptorConfig.HandshakeTimeout,
// defaulting to 10s if unset or unparsable.
func (c AcceptorConfig) HandshakeTimeoutDuration() time.Duration {
	if c.HandshakeTimeout == "" {
		return 10 * time.Second
	}
	d, err := time.ParseDuration(c.HandshakeTimeout)
	if err != nil {
		return 10 * time.Second
	}
	return d
}
