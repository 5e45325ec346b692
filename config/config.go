// Copyright 2026 The Cluvio Agent Authors
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates cluvio-agent.toml: the agent's
// only configuration source. There are no environment variable
// overrides for config values (spec.md §6) — the file is the single
// source of truth, in the same spirit as the teacher's lib/config
// "no hidden overrides" design, just for a much smaller surface.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"

	"github.com/cluvio/agent/addrmatch"
	"github.com/cluvio/agent/identity"
	"github.com/cluvio/agent/transport"
)

const fileName = "cluvio-agent.toml"

// ConfigError wraps any failure to load or validate the config file.
// Fatal-for-process per spec.md §7 — a bad config can't be fixed by
// reconnecting, so agent/agenterr routes it to process exit rather
// than the supervisor's retry loop.
type ConfigError struct {
	Op  string
	Err error
}

func (e *ConfigError) Error() string { return fmt.Sprintf("config: %s: %v", e.Op, e.Err) }
func (e *ConfigError) Unwrap() error { return e.Err }

// FatalForProcess satisfies agent/agenterr's classification interface.
func (e *ConfigError) FatalForProcess() bool { return true }

// serverTable is the [server] table of the config file.
type serverTable struct {
	Host  string `toml:"host"`
	Port  uint16 `toml:"port"`
	Trust string `toml:"trust"`
}

// fileFormat mirrors the TOML file layout exactly; Config is the
// validated, ready-to-use form derived from it.
type fileFormat struct {
	AgentKey         string      `toml:"agent-key"`
	SecretKey        string      `toml:"secret-key"`
	AllowedAddresses []string    `toml:"allowed_addresses"`
	Server           serverTable `toml:"server"`
}

// Config is the agent's validated runtime configuration: a loaded
// identity, a parsed whitelist, a dial endpoint, and an optional trust
// bundle, ready to hand to agent/supervisor.
type Config struct {
	Identity  *identity.Identity
	Whitelist addrmatch.Whitelist
	Endpoint  transport.Endpoint
	TrustPEM  []byte
}

// defaultPort is used when [server].port is omitted or zero.
const defaultPort = 443

// Load reads path, parses it as TOML, and validates it into a Config.
// Every failure is wrapped in a *ConfigError.
func Load(path string) (*Config, error) {
	var raw fileFormat
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, &ConfigError{Op: "parse " + path, Err: err}
	}
	return validate(raw)
}

// validate cross-checks and converts a parsed fileFormat into a
// Config, per spec.md §6's field descriptions.
func validate(raw fileFormat) (*Config, error) {
	if raw.SecretKey == "" {
		return nil, &ConfigError{Op: "validate", Err: errors.New("secret-key is required")}
	}
	id, err := identity.Load(raw.SecretKey)
	if err != nil {
		return nil, &ConfigError{Op: "load secret-key", Err: err}
	}

	if raw.AgentKey != "" {
		wantPublic, err := identity.DecodeKey(raw.AgentKey)
		if err != nil {
			id.Close()
			return nil, &ConfigError{Op: "decode agent-key", Err: err}
		}
		if wantPublic != id.PublicKey() {
			id.Close()
			return nil, &ConfigError{Op: "validate", Err: errors.New("agent-key does not match the public key derived from secret-key")}
		}
	}

	whitelist, err := addrmatch.ParseWhitelist(raw.AllowedAddresses)
	if err != nil {
		id.Close()
		return nil, &ConfigError{Op: "parse allowed_addresses", Err: err}
	}

	if raw.Server.Host == "" {
		id.Close()
		return nil, &ConfigError{Op: "validate", Err: errors.New("server.host is required")}
	}
	port := raw.Server.Port
	if port == 0 {
		port = defaultPort
	}

	var trustPEM []byte
	if raw.Server.Trust != "" {
		trustPEM = []byte(raw.Server.Trust)
		if _, err := transport.LoadTrustBundle(trustPEM); err != nil {
			id.Close()
			return nil, &ConfigError{Op: "parse server.trust", Err: err}
		}
	}

	return &Config{
		Identity:  id,
		Whitelist: whitelist,
		Endpoint:  transport.Endpoint{Host: raw.Server.Host, Port: port},
		TrustPEM:  trustPEM,
	}, nil
}

// SearchPaths returns, in priority order, the candidate locations for
// cluvio-agent.toml on Linux: the directory containing the running
// executable, then $XDG_CONFIG_HOME or $HOME/.config, then /etc.
// Grounded on spec.md §6's search order; macOS and Windows variants
// are not implemented since this agent targets Linux cloud/VM hosts
// (out of core scope per spec.md §1).
func SearchPaths() []string {
	var paths []string

	if exe, err := os.Executable(); err == nil {
		paths = append(paths, filepath.Join(filepath.Dir(exe), fileName))
	}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, fileName))
	} else if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", fileName))
	}

	paths = append(paths, filepath.Join("/etc", fileName))
	return paths
}

// Find returns the first path in SearchPaths that exists, or a
// *ConfigError naming every candidate that was tried.
func Find() (string, error) {
	candidates := SearchPaths()
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", &ConfigError{Op: "find", Err: fmt.Errorf("%s not found in any of %v", fileName, candidates)}
}
