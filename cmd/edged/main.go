// Command edged runs one edge node.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/edgepub/internal/config"
	"github.com/danmuck/edgepub/internal/edge"
	"github.com/danmuck/edgepub/internal/observability"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "edged: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := pflag.NewFlagSet("edged", pflag.ContinueOnError)
	configPath := flags.StringP("config", "c", "", "path to edge TOML config")
	envFile := flags.String("env-file", ".env", "dotenv file with secrets (skipped when missing)")
	writeConfig := flags.String("write-config", "", "write an example config to this path and exit")
	httpAddr := flags.String("http-addr", "", "override http_addr")
	regionCode := flags.String("region", "", "override region")
	allowUnsigned := flags.Bool("allow-unsigned", false, "accept hellos without a signed grant (development only)")
	if err := flags.Parse(args); err != nil {
		return err
	}

	if path := strings.TrimSpace(*writeConfig); path != "" {
		if err := config.WriteTemplate(path, "edge", false); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	}

	if err := config.LoadEnv(*envFile); err != nil {
		return err
	}
	cfg, err := loadServiceConfig(*configPath)
	if err != nil {
		return err
	}
	if flags.Changed("http-addr") {
		cfg.HTTPAddr = strings.TrimSpace(*httpAddr)
	}
	if flags.Changed("region") {
		cfg.Region = strings.TrimSpace(*regionCode)
	}
	if flags.Changed("allow-unsigned") {
		cfg.AllowUnsigned = *allowUnsigned
	}

	observability.RegisterMetrics()
	logger := observability.InitLogger("edged", cfg.NodeID)
	svc, err := edge.NewService(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return svc.Run(ctx)
}
