// Command kiroproxy runs the Anthropic-compatible streaming proxy in front
// of a pool of Kiro/CodeWhisperer credentials.
package main

import (
	"log/slog"
	"os"

	"github.com/yansir/kiroproxy/internal/config"
	"github.com/yansir/kiroproxy/internal/credential"
	"github.com/yansir/kiroproxy/internal/events"
	"github.com/yansir/kiroproxy/internal/poolconfig"
	"github.com/yansir/kiroproxy/internal/retry"
	"github.com/yansir/kiroproxy/internal/server"
	"github.com/yansir/kiroproxy/internal/transport"
)

var version = "dev"

const kiroVersion = "0.1.0"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("kiroproxy starting", "version", version)

	fileCfg, err := poolconfig.Load(cfg.ConfigPath)
	if err != nil {
		slog.Error("pool config load failed", "error", err)
		os.Exit(1)
	}

	client := transport.New(cfg.UpstreamTimeout)
	refresher := credential.NewHTTPRefresher(client, fileCfg.Region, kiroVersion)
	persist, err := credential.NewEncryptedStore(cfg.CredentialsPath, cfg.EncryptionKey)
	if err != nil {
		slog.Error("credential store init failed", "error", err)
		os.Exit(1)
	}

	creds, err := persist.Load()
	if err != nil {
		slog.Error("credential store load failed", "error", err)
		os.Exit(1)
	}

	pool := credential.New(refresher, persist)
	if err := pool.Load(creds); err != nil {
		slog.Error("credential pool load failed", "error", err)
		os.Exit(1)
	}
	slog.Info("credential pool ready", "count", pool.Size(), "region", fileCfg.Region)

	engine := retry.New(pool, client, fileCfg.Region)
	srv := server.New(cfg, engine)

	if err := srv.Run(); err != nil {
		slog.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}
