package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/edgepub/internal/config"
	"github.com/danmuck/edgepub/internal/edge"
	"github.com/danmuck/edgepub/internal/protocol/reliability"
)

type fileTLS struct {
	Enabled            bool   `toml:"enabled"`
	Mutual             bool   `toml:"mutual"`
	InsecureSkipVerify bool   `toml:"insecure_skip_verify"`
	CertFile           string `toml:"cert_file"`
	KeyFile            string `toml:"key_file"`
	CAFile             string `toml:"ca_file"`
	ServerName         string `toml:"server_name"`
}

type fileTransport struct {
	SecurityMode     string  `toml:"security_mode"`
	HandshakeTimeout string  `toml:"handshake_timeout"`
	WriteTimeout     string  `toml:"write_timeout"`
	PingInterval     string  `toml:"ping_interval"`
	TLS              fileTLS `toml:"tls"`
}

type fileConfig struct {
	NodeID          string            `toml:"node_id"`
	Region          string            `toml:"region"`
	HTTPAddr        string            `toml:"http_addr"`
	AdminAddr       string            `toml:"admin_addr"`
	AdminToken      string            `toml:"admin_token"`
	GrantSecret     string            `toml:"grant_secret"`
	AllowUnsigned   bool              `toml:"allow_unsigned"`
	RateLimit       float64           `toml:"rate_limit"`
	RateBurst       int               `toml:"rate_burst"`
	SendQueue       int               `toml:"send_queue"`
	CORSOrigins     []string          `toml:"cors_origins"`
	OriginPatterns  []string          `toml:"origin_patterns"`
	Endpoints       map[string]string `toml:"endpoints"`
	NATSURL         string            `toml:"nats_url"`
	Projects        []string          `toml:"projects"`
	UsageBuffer     int               `toml:"usage_buffer"`
	ShutdownTimeout string            `toml:"shutdown_timeout"`
	Transport       fileTransport     `toml:"transport"`
}

// loadServiceConfig applies the keys set in path on top of the defaults.
// An empty path yields the defaults. Secrets fall back to the environment.
func loadServiceConfig(path string) (edge.ServiceConfig, error) {
	cfg := edge.DefaultServiceConfig()
	if strings.TrimSpace(path) != "" {
		var raw fileConfig
		meta, err := config.DecodeFile(path, &raw)
		if err != nil {
			return edge.ServiceConfig{}, fmt.Errorf("load edge config: %w", err)
		}

		if meta.IsDefined("node_id") {
			if id := strings.TrimSpace(raw.NodeID); id != "" {
				cfg.NodeID = id
			}
		}
		if meta.IsDefined("region") {
			cfg.Region = strings.TrimSpace(raw.Region)
		}
		if meta.IsDefined("http_addr") {
			cfg.HTTPAddr = strings.TrimSpace(raw.HTTPAddr)
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
		if meta.IsDefined("allow_unsigned") {
			cfg.AllowUnsigned = raw.AllowUnsigned
		}
		if meta.IsDefined("rate_limit") {
			cfg.RateLimit = raw.RateLimit
		}
		if meta.IsDefined("rate_burst") {
			cfg.RateBurst = raw.RateBurst
		}
		if meta.IsDefined("send_queue") {
			cfg.SendQueue = raw.SendQueue
		}
		if meta.IsDefined("cors_origins") {
			cfg.CORSOrigins = config.Strings(raw.CORSOrigins)
		}
		if meta.IsDefined("origin_patterns") {
			cfg.OriginPatterns = config.Strings(raw.OriginPatterns)
		}
		if meta.IsDefined("endpoints") {
			cfg.Endpoints = raw.Endpoints
		}
		if meta.IsDefined("nats_url") {
			cfg.NATSURL = strings.TrimSpace(raw.NATSURL)
		}
		if meta.IsDefined("projects") {
			cfg.Projects = config.Strings(raw.Projects)
		}
		if meta.IsDefined("usage_buffer") {
			cfg.UsageBuffer = raw.UsageBuffer
		}
		if meta.IsDefined("shutdown_timeout") {
			d, err := config.Duration("shutdown_timeout", raw.ShutdownTimeout)
			if err != nil {
				return edge.ServiceConfig{}, err
			}
			cfg.ShutdownTimeout = d
		}
		if err := applyTransport(&cfg.Transport, raw.Transport, meta.IsDefined); err != nil {
			return edge.ServiceConfig{}, err
		}
	}

	cfg.GrantSecret = config.Secret(cfg.GrantSecret, config.EnvGrantSecret)
	cfg.AdminToken = config.Secret(cfg.AdminToken, config.EnvAdminToken)
	cfg.NATSURL = config.Secret(cfg.NATSURL, config.EnvNATSURL)
	return cfg, nil
}

func applyTransport(cfg *reliability.Config, raw fileTransport, defined func(...string) bool) error {
	if defined("transport", "security_mode") {
		cfg.SecurityMode = reliability.NormalizeSecurityMode(reliability.SecurityMode(raw.SecurityMode))
	}
	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"handshake_timeout", raw.HandshakeTimeout, &cfg.HandshakeTimeout},
		{"write_timeout", raw.WriteTimeout, &cfg.WriteTimeout},
		{"ping_interval", raw.PingInterval, &cfg.PingInterval},
	}
	for _, d := range durations {
		if !defined("transport", d.key) {
			continue
		}
		v, err := config.Duration("transport."+d.key, d.raw)
		if err != nil {
			return err
		}
		*d.dst = v
	}
	if defined("transport", "tls") {
		cfg.TLS = reliability.TLSConfig{
			Enabled:            raw.TLS.Enabled,
			Mutual:             raw.TLS.Mutual,
			InsecureSkipVerify: raw.TLS.InsecureSkipVerify,
			CertFile:           strings.TrimSpace(raw.TLS.CertFile),
			KeyFile:            strings.TrimSpace(raw.TLS.KeyFile),
			CAFile:             strings.TrimSpace(raw.TLS.CAFile),
			ServerName:         strings.TrimSpace(raw.TLS.ServerName),
		}
	}
	return nil
}
