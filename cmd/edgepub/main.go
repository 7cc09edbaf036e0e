// Command edgepub is a small operator and developer client for edge nodes:
// it issues grants, resolves regions, publishes, subscribes, and drives the
// admin control endpoint.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/edgepub/internal/config"
	"github.com/danmuck/edgepub/internal/logging"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

var errUsage = errors.New("usage: edgepub [--config path] <init|grant|region|publish|subscribe|admin> [flags]")

// env carries what every subcommand needs.
type env struct {
	cfg    clientConfig
	out    io.Writer
	logger zerolog.Logger
}

type command func(ctx context.Context, e env, args []string) error

var commands = map[string]command{
	"grant":     runGrant,
	"region":    runRegion,
	"publish":   runPublish,
	"subscribe": runSubscribe,
	"admin":     runAdmin,
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "edgepub: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	flags := pflag.NewFlagSet("edgepub", pflag.ContinueOnError)
	flags.SetInterspersed(false)
	configPath := flags.StringP("config", "c", "", "path to client TOML config")
	envFile := flags.String("env-file", ".env", "dotenv file with secrets (skipped when missing)")
	if err := flags.Parse(args); err != nil {
		return err
	}
	rest := flags.Args()
	if len(rest) == 0 {
		return errUsage
	}

	name := strings.ToLower(rest[0])
	if name == "init" {
		return runInit(out, rest[1:])
	}
	cmd, ok := commands[name]
	if !ok {
		return fmt.Errorf("unknown command %q\n%w", rest[0], errUsage)
	}

	if err := config.LoadEnv(*envFile); err != nil {
		return err
	}
	cfg, err := loadClientConfig(*configPath)
	if err != nil {
		return err
	}
	logging.ConfigureRuntime()
	logger := logging.Component("edgepub")
	return cmd(ctx, env{cfg: cfg, out: out, logger: logger}, rest[1:])
}

func runInit(out io.Writer, args []string) error {
	flags := pflag.NewFlagSet("init", pflag.ContinueOnError)
	kind := flags.String("kind", "client", "config kind: client|edge")
	force := flags.Bool("force", false, "overwrite an existing file")
	if err := flags.Parse(args); err != nil {
		return err
	}
	if flags.NArg() != 1 {
		return errors.New("usage: edgepub init [--kind client|edge] [--force] <path>")
	}
	path := flags.Arg(0)
	if err := config.WriteTemplate(path, *kind, *force); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %s config to %s\n", *kind, path)
	return nil
}
