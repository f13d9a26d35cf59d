package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"git.home.luguber.info/inful/forgeci/internal/config"
	"git.home.luguber.info/inful/forgeci/internal/master"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"forgeci.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Master struct {
	} `cmd:"" help:"Run the build master"`

	Validate struct {
	} `cmd:"" help:"Validate the configuration file and exit"`
}

func main() {
	// Local development convenience; absent .env files are fine.
	_ = godotenv.Load()

	ctx := kong.Parse(&CLI)

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	switch ctx.Command() {
	case "master":
		if err := runMaster(CLI.Config); err != nil {
			slog.Error("Master failed", "error", err)
			os.Exit(1)
		}
	case "validate":
		if _, err := config.Load(CLI.Config); err != nil {
			slog.Error("Configuration is invalid", "error", err)
			os.Exit(1)
		}
		fmt.Println("configuration ok")
	default:
		slog.Error("Unknown command", "command", ctx.Command())
		os.Exit(1)
	}
}

func runMaster(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	m, err := master.New(cfg, configPath)
	if err != nil {
		return err
	}

	runCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return m.Run(runCtx)
}
