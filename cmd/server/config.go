package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type serverConfig struct {
	Addr            string
	SpacePath       string
	DataDir         string
	DBPath          string
	LogLevel        string
	Pretty          bool
	TrafficInterval time.Duration
	AuthRetention   time.Duration
	MaxChannels     int
	OutQueue        int
	PublishRate     float64
	PublishBurst    int
	EnableAdmin     bool
	EnablePprof     bool
}

// loadConfig reads flags, then OFFICEGRID_* environment variables, then an
// optional config file. Flags set on the command line win.
func loadConfig(args []string) (serverConfig, error) {
	fs := pflag.NewFlagSet("officegrid-server", pflag.ContinueOnError)
	fs.String("addr", ":8080", "http listen address")
	fs.String("space", "./configs/space.yaml", "space layout path (empty for built-in defaults)")
	fs.String("data", "./data", "runtime data directory")
	fs.String("db", "", "authorization db path (default: <data>/auth.sqlite)")
	fs.String("log-level", "info", "log level (trace, debug, info, warn, error)")
	fs.Bool("pretty", false, "human-readable console logs")
	fs.Duration("traffic-interval", time.Minute, "traffic summary interval (0 disables)")
	fs.Duration("auth-retention", 30*24*time.Hour, "delete authorizations this long after they expire")
	fs.Int("max-channels", 64, "max channels joined per connection")
	fs.Int("out-queue", 512, "outbound frames buffered per connection")
	fs.Float64("publish-rate", 100, "publishes per second allowed per connection")
	fs.Int("publish-burst", 50, "publish burst per connection")
	fs.Bool("enable-admin", defaultEnableAdminHTTP(), "serve loopback-only /admin endpoints")
	fs.Bool("enable-pprof", false, "serve /debug/pprof")
	fs.String("config", "", "optional config file (yaml, json or toml)")
	if err := fs.Parse(args); err != nil {
		return serverConfig{}, err
	}

	v := viper.New()
	v.SetEnvPrefix("OFFICEGRID")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return serverConfig{}, err
	}
	if path := strings.TrimSpace(v.GetString("config")); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return serverConfig{}, fmt.Errorf("%s: %w", path, err)
		}
	}

	cfg := serverConfig{
		Addr:            v.GetString("addr"),
		SpacePath:       v.GetString("space"),
		DataDir:         v.GetString("data"),
		DBPath:          v.GetString("db"),
		LogLevel:        v.GetString("log-level"),
		Pretty:          v.GetBool("pretty"),
		TrafficInterval: v.GetDuration("traffic-interval"),
		AuthRetention:   v.GetDuration("auth-retention"),
		MaxChannels:     v.GetInt("max-channels"),
		OutQueue:        v.GetInt("out-queue"),
		PublishRate:     v.GetFloat64("publish-rate"),
		PublishBurst:    v.GetInt("publish-burst"),
		EnableAdmin:     v.GetBool("enable-admin"),
		EnablePprof:     v.GetBool("enable-pprof"),
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "auth.sqlite")
	}
	return cfg, nil
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return envBool("OFFICEGRID_ENABLE_ADMIN", true)
	}
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
