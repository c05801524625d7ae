package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"gitlab.alpinelinux.org/alpine/security/vulndb/vulndb"
)

const defaultConfigPath = "config/application.toml"

var rootCmd = &cobra.Command{
	Use:   "vulndb-cli",
	Short: "Query and maintain the local vulnerability database",
}

var _app app

type app struct {
	DB     *vulndb.DB
	Config vulndb.Config
}

func App() app {
	return _app
}

func main() {
	err := run()
	if err != nil {
		fmt.Printf("FATAL: %s\n", err)
		os.Exit(1)
	}
}

func run() error {
	var err error
	_app, err = initApp()
	if err != nil {
		return err
	}
	defer _app.DB.Close()

	rootCmd.SilenceUsage = true
	rootCmd.SilenceErrors = true
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	err = rootCmd.ExecuteContext(ctx)
	if err != nil {
		return err
	}
	return nil
}

func configPath() string {
	if path := os.Getenv("VULNDB_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

func initApp() (app, error) {
	var app app
	path := configPath()
	config, err := vulndb.ParseConfigFromFile(path)
	if err != nil {
		return app, fmt.Errorf("error reading '%s': %w", path, err)
	}
	app.Config = config

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: config.SlogLevel(),
	}))
	slog.SetDefault(logger)

	db, err := config.Open()
	if err != nil {
		return app, fmt.Errorf("could not open vulnerability database: %w", err)
	}
	app.DB = db

	return app, nil
}
