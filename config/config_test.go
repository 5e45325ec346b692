// Copyright 2026 The Cluvio Agent Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"crypto/rand"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cluvio/agent/identity"
)

func randomSecretKeyB64(t *testing.T) string {
	t.Helper()
	var scalar [identity.KeySize]byte
	if _, err := rand.Read(scalar[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return identity.EncodeKey(scalar)
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, fileName)
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	secretKey := randomSecretKeyB64(t)
	path := writeConfig(t, `
secret-key = "`+secretKey+`"
allowed_addresses = ["10.0.0.0/8", "*.example.com"]

[server]
host = "gateway.example.com"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer cfg.Identity.Close()

	if cfg.Endpoint.Host != "gateway.example.com" {
		t.Errorf("Endpoint.Host = %q", cfg.Endpoint.Host)
	}
	if cfg.Endpoint.Port != defaultPort {
		t.Errorf("Endpoint.Port = %d, want default %d", cfg.Endpoint.Port, defaultPort)
	}
}

func TestLoad_ExplicitPort(t *testing.T) {
	secretKey := randomSecretKeyB64(t)
	path := writeConfig(t, `
secret-key = "`+secretKey+`"

[server]
host = "gateway.example.com"
port = 8443
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer cfg.Identity.Close()

	if cfg.Endpoint.Port != 8443 {
		t.Errorf("Endpoint.Port = %d, want 8443", cfg.Endpoint.Port)
	}
}

func TestLoad_MissingSecretKey(t *testing.T) {
	path := writeConfig(t, `
[server]
host = "gateway.example.com"
`)

	_, err := Load(path)
	if err == nil {
		t.Fatal("expected error for missing secret-key")
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error is not a *ConfigError: %v", err)
	}
}

func TestLoad_MissingServerHost(t *testing.T) {
	secretKey := randomSecretKeyB64(t)
	path := writeConfig(t, `
secret-key = "`+secretKey+`"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing server.host")
	}
}

func TestLoad_AgentKeyMismatchRejected(t *testing.T) {
	secretKey := randomSecretKeyB64(t)
	wrongAgentKey := randomSecretKeyB64(t) // not the derived public key, but well-formed

	path := writeConfig(t, `
agent-key = "`+wrongAgentKey+`"
secret-key = "`+secretKey+`"

[server]
host = "gateway.example.com"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for agent-key/secret-key mismatch")
	}
}

func TestLoad_AgentKeyMatchAccepted(t *testing.T) {
	var scalar [identity.KeySize]byte
	if _, err := rand.Read(scalar[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	secretKey := identity.EncodeKey(scalar)
	id, err := identity.Load(secretKey)
	if err != nil {
		t.Fatalf("identity.Load: %v", err)
	}
	agentKey := identity.EncodeKey(id.PublicKey())
	id.Close()

	path := writeConfig(t, `
agent-key = "`+agentKey+`"
secret-key = "`+secretKey+`"

[server]
host = "gateway.example.com"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg.Identity.Close()
}

func TestLoad_InvalidAllowedAddress(t *testing.T) {
	secretKey := randomSecretKeyB64(t)
	path := writeConfig(t, `
secret-key = "`+secretKey+`"
allowed_addresses = ["*"]

[server]
host = "gateway.example.com"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid allowed_addresses entry")
	}
}

func TestLoad_InvalidTrustPEM(t *testing.T) {
	secretKey := randomSecretKeyB64(t)
	path := writeConfig(t, `
secret-key = "`+secretKey+`"

[server]
host = "gateway.example.com"
trust = "not a pem bundle"
`)

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid server.trust")
	}
}

func TestLoad_UnparseableFile(t *testing.T) {
	path := writeConfig(t, "this is not valid toml [[[")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unparseable TOML")
	}
}

func TestSearchPaths_IncludesEtcAndExecutableDir(t *testing.T) {
	paths := SearchPaths()
	if len(paths) == 0 {
		t.Fatal("SearchPaths returned no candidates")
	}
	found := false
	for _, p := range paths {
		if p == filepath.Join("/etc", fileName) {
			found = true
		}
	}
	if !found {
		t.Errorf("SearchPaths() = %v, want it to include /etc/%s", paths, fileName)
	}
}
