package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/aeolun/quectocraft/pkg/plugin"
	"github.com/aeolun/quectocraft/pkg/server"
)

func main() {
	configPath := flag.String("config", "~/.quectocraft/config.toml", "Path to the TOML config file (created with defaults if missing)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if err := run(*configPath, *debug); err != nil {
		fmt.Fprintf(os.Stderr, "quectocraft: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, debug bool) error {
	fileConfig, err := server.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if debug {
		fileConfig.Log.Level = zerolog.DebugLevel.String()
	}
	if err := server.InitLogger(fileConfig.Log); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}

	config, err := fileConfig.ToServerConfig()
	if err != nil {
		return err
	}

	metrics := server.NewMetrics()
	queue := plugin.NewQueue()
	host := plugin.NewHost(queue, server.ComponentLogger("plugin"))
	host.OnError = metrics.RecordPluginError

	for _, path := range config.PluginScripts {
		module, err := plugin.LoadLuaModule(path, queue, server.ComponentLogger("plugin"))
		if err != nil {
			return fmt.Errorf("failed to load plugin %s: %w", path, err)
		}
		info := module.Info()
		log.Info().Str("id", info.ID).Str("version", info.Version).Str("path", path).Msg("loaded plugin")
		host.Add(module)
	}

	srv, err := server.NewServer(config, host, metrics)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		srv.Stop()
		return err
	}
	return srv.Stop()
}
