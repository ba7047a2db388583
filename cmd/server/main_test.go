package main

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestIsLoopbackRemote(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:5555": true,
		"[::1]:80":       true,
		"::1":            true,
		"10.0.0.4:1234":  false,
		"example.com:80": false,
		"":               false,
	}
	for in, want := range cases {
		if got := isLoopbackRemote(in); got != want {
			t.Fatalf("isLoopbackRemote(%q)=%v want %v", in, got, want)
		}
	}
}

func TestLoadConfig_FlagsAndEnv(t *testing.T) {
	t.Setenv("OFFICEGRID_TRAFFIC_INTERVAL", "15s")
	t.Setenv("OFFICEGRID_MAX_CHANNELS", "9")
	cfg, err := loadConfig([]string{"--addr", ":9999", "--data", "/tmp/og", "--max-channels", "12"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Addr != ":9999" || cfg.DataDir != "/tmp/og" {
		t.Fatalf("flags not applied: %+v", cfg)
	}
	if cfg.DBPath != "/tmp/og/auth.sqlite" {
		t.Fatalf("db default=%q", cfg.DBPath)
	}
	if cfg.TrafficInterval != 15*time.Second {
		t.Fatalf("env not applied: traffic=%v", cfg.TrafficInterval)
	}
	if cfg.MaxChannels != 12 {
		t.Fatalf("flag should win over env: max=%d", cfg.MaxChannels)
	}
}

func TestDefaultEnableAdminHTTP(t *testing.T) {
	t.Setenv("DEPLOY_ENV", "production")
	if defaultEnableAdminHTTP() {
		t.Fatalf("admin must default off in production")
	}
	t.Setenv("DEPLOY_ENV", "")
	if !defaultEnableAdminHTTP() {
		t.Fatalf("admin should default on locally")
	}
}

func TestNewLogger_UsesConfiguredLevel(t *testing.T) {
	cfg, err := loadConfig([]string{"--log-level", "debug"})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if lvl := newLogger(cfg).GetLevel(); lvl != zerolog.DebugLevel {
		t.Fatalf("level=%s want debug", lvl)
	}
	cfg.LogLevel = "bogus"
	if lvl := newLogger(cfg).GetLevel(); lvl != zerolog.InfoLevel {
		t.Fatalf("level=%s want info fallback", lvl)
	}
}
