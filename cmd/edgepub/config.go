package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/edgepub/internal/config"
	"github.com/danmuck/edgepub/internal/protocol/reliability"
	"github.com/danmuck/edgepub/internal/region"
)

type fileTLS struct {
	Enabled            bool   `toml:"enabled"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	CAFile             string `toml:"ca_file"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	ServerName         string `toml:"server_name"`
}

type fileReliability struct {
	SecurityMode         string  `toml:"security_mode"`
	QueueCapacity        int     `toml:"queue_capacity"`
	MessageTimeout       string  `toml:"message_timeout"`
	MaxReconnectAttempts int     `toml:"max_reconnect_attempts"`
	InitialBackoff       string  `toml:"initial_backoff"`
	MaxBackoff           string  `toml:"max_backoff"`
	TLS                  fileTLS `toml:"tls"`
}

type fileConfig struct {
	UserID          string            `toml:"user_id"`
	ProjectID       string            `toml:"project_id"`
	Channel         string            `toml:"channel"`
	Topics          []string          `toml:"topics"`
	Continent       string            `toml:"continent"`
	Lat             float64           `toml:"lat"`
	Lon             float64           `toml:"lon"`
	DefaultEndpoint string            `toml:"default_endpoint"`
	AdminAddr       string            `toml:"admin_addr"`
	AdminToken      string            `toml:"admin_token"`
	GrantSecret     string            `toml:"grant_secret"`
	Endpoints       map[string]string `toml:"endpoints"`
	Reliability     fileReliability   `toml:"reliability"`
}

// clientConfig is the resolved CLI configuration.
type clientConfig struct {
	UserID      string
	ProjectID   string
	Channel     string
	Topics      []string
	Continent   string
	Location    region.Point
	Router      region.Router
	AdminAddr   string
	AdminToken  string
	GrantSecret string
	Reliability reliability.Config
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		UserID:      "user-1",
		ProjectID:   "proj-1",
		Channel:     "lobby",
		Topics:      []string{"chat"},
		Router:      region.Single("ws://localhost:8080/ws"),
		AdminAddr:   "127.0.0.1:9400",
		Reliability: reliability.DefaultConfig(),
	}
}

func loadClientConfig(path string) (clientConfig, error) {
	cfg := defaultClientConfig()
	if strings.TrimSpace(path) != "" {
		var raw fileConfig
		meta, err := config.DecodeFile(path, &raw)
		if err != nil {
			return clientConfig{}, fmt.Errorf("load client config: %w", err)
		}
		if meta.IsDefined("user_id") {
			cfg.UserID = strings.TrimSpace(raw.UserID)
		}
		if meta.IsDefined("project_id") {
			cfg.ProjectID = strings.TrimSpace(raw.ProjectID)
		}
		if meta.IsDefined("channel") {
			cfg.Channel = strings.TrimSpace(raw.Channel)
		}
		if meta.IsDefined("topics") {
			cfg.Topics = config.Strings(raw.Topics)
		}
		if meta.IsDefined("continent") {
			cfg.Continent = strings.TrimSpace(raw.Continent)
		}
		if meta.IsDefined("lat") {
			cfg.Location.Lat = raw.Lat
		}
		if meta.IsDefined("lon") {
			cfg.Location.Lon = raw.Lon
		}
		if meta.IsDefined("default_endpoint") {
			cfg.Router.Default = strings.TrimSpace(raw.DefaultEndpoint)
		}
		if meta.IsDefined("endpoints") {
			endpoints := make(map[region.Code]string, len(raw.Endpoints))
			for rawCode, ep := range raw.Endpoints {
				code, err := region.ParseCode(rawCode)
				if err != nil {
					return clientConfig{}, fmt.Errorf("endpoints: %w", err)
				}
				endpoints[code] = strings.TrimSpace(ep)
			}
			cfg.Router.Endpoints = endpoints
		}
		if meta.IsDefined("admin_addr") {
			cfg.AdminAddr = strings.TrimSpace(raw.AdminAddr)
		}
		if meta.IsDefined("admin_token") {
			cfg.AdminToken = strings.TrimSpace(raw.AdminToken)
		}
		if meta.IsDefined("grant_secret") {
			cfg.GrantSecret = strings.TrimSpace(raw.GrantSecret)
		}
		if err := applyReliability(&cfg.Reliability, raw.Reliability, meta.IsDefined); err != nil {
			return clientConfig{}, err
		}
	}
	cfg.GrantSecret = config.Secret(cfg.GrantSecret, config.EnvGrantSecret)
	cfg.AdminToken = config.Secret(cfg.AdminToken, config.EnvAdminToken)
	return cfg, nil
}

func applyReliability(cfg *reliability.Config, raw fileReliability, defined func(...string) bool) error {
	if defined("reliability", "security_mode") {
		cfg.SecurityMode = reliability.NormalizeSecurityMode(reliability.SecurityMode(raw.SecurityMode))
	}
	if defined("reliability", "queue_capacity") {
		if raw.QueueCapacity <= 0 {
			return fmt.Errorf("reliability.queue_capacity must be positive, got %d", raw.QueueCapacity)
		}
		cfg.QueueCapacity = raw.QueueCapacity
	}
	if defined("reliability", "max_reconnect_attempts") {
		cfg.Backoff.MaxAttempts = raw.MaxReconnectAttempts
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"message_timeout", raw.MessageTimeout, &cfg.MessageTimeout},
		{"initial_backoff", raw.InitialBackoff, &cfg.Backoff.InitialDelay},
		{"max_backoff", raw.MaxBackoff, &cfg.Backoff.MaxDelay},
	}
	for _, d := range durations {
		if !defined("reliability", d.key) {
			continue
		}
		v, err := config.Duration("reliability."+d.key, d.raw)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	if defined("reliability", "tls") {
		cfg.TLS = reliability.TLSConfig{
			Enabled:            raw.TLS.Enabled,
			InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
			CAFile:             strings.TrimSpace(raw.TLS.CAFile),
			CertFile:           strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:            strings.TrimSpace(raw.TLS.KeyFile),
			ServerName:         strings.TrimSpace(raw.TLS.ServerName),
		}
	}
	return nil
}
