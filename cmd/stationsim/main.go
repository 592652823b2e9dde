// stationsim impersonates fleets of OCPP 1.6 charging stations against a
// CSMS for load testing. Station templates come from YAML config; a NATS
// worker channel steers the running fleet remotely.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/voltsim/stationsim/internal/api"
	"github.com/voltsim/stationsim/internal/broadcast"
	"github.com/voltsim/stationsim/internal/fleet"
	"github.com/voltsim/stationsim/internal/perf"
	"github.com/voltsim/stationsim/internal/station"
	"github.com/voltsim/stationsim/internal/tags"
	"github.com/voltsim/stationsim/pkg/config"
)

func main() {
	configPath := flag.String("config", "", "path to config file (default: search ./configs)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Simulator exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracker := perf.NewTracker(logger)
	registry := fleet.NewRegistry(logger)

	var channel broadcast.Channel
	if cfg.Worker.Enabled {
		nats, err := broadcast.NewNATSChannel(cfg.Worker.NATSURL, cfg.Worker.Subject, logger)
		if err != nil {
			return fmt.Errorf("worker channel: %w", err)
		}
		defer nats.Close()
		channel = nats
	}

	if err := buildFleet(ctx, cfg, logger, tracker, registry, channel); err != nil {
		return err
	}
	logger.Info("Fleet built", zap.Int("stations", registry.Len()))

	if cfg.Prometheus.Enabled {
		go serveMetrics(cfg.Prometheus, logger)
	}

	var statusAPI *api.Server
	if cfg.API.Enabled {
		statusAPI = api.NewServer(registry, tracker, logger)
		go func() {
			if err := statusAPI.Listen(cfg.API.Port); err != nil {
				logger.Error("Status API stopped", zap.Error(err))
			}
		}()
		logger.Info("Status API listening", zap.Int("port", cfg.API.Port))
	}

	<-ctx.Done()
	logger.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	registry.StopAll(shutdownCtx)
	if statusAPI != nil {
		statusAPI.Shutdown()
	}
	return nil
}

// buildFleet expands every station group into its stations, wiring each
// one a command dispatcher when the worker channel is on.
func buildFleet(ctx context.Context, cfg *config.Config, logger *zap.Logger, tracker *perf.Tracker, registry *fleet.Registry, channel broadcast.Channel) error {
	for _, group := range cfg.Stations {
		idTags, err := resolveIdTags(ctx, cfg, group, logger)
		if err != nil {
			return fmt.Errorf("station group %s: %w", group.BaseName, err)
		}

		for i := 0; i < group.Count; i++ {
			info := group.StationInfo(i)
			info.AuthorizedTags = idTags

			var dispatcher *broadcast.Dispatcher
			st := station.New(info, tracker, logger,
				station.WithDeleteCallback(func(hashID string, _ bool) {
					if dispatcher != nil {
						if err := dispatcher.Stop(); err != nil {
							logger.Error("Failed to stop dispatcher",
								zap.String("hash_id", hashID),
								zap.Error(err),
							)
						}
					}
					registry.Remove(hashID)
				}),
			)
			registry.Add(st)

			if channel != nil {
				dispatcher = broadcast.NewDispatcher(st, channel, logger)
				if err := dispatcher.Start(); err != nil {
					return fmt.Errorf("dispatcher for %s: %w", info.ID, err)
				}
			}

			if group.AutoStart {
				if err := st.Start(ctx); err != nil {
					logger.Error("Failed to start station",
						zap.String("station_id", info.ID),
						zap.Error(err),
					)
				}
			}
		}
	}
	return nil
}

func resolveIdTags(ctx context.Context, cfg *config.Config, group config.StationGroup, logger *zap.Logger) ([]string, error) {
	if group.IdTagsRedisKey != "" && cfg.Redis.URL != "" {
		provider, err := tags.NewRedisProvider(ctx, cfg.Redis.URL, group.IdTagsRedisKey, logger)
		if err != nil {
			return nil, err
		}
		defer provider.Close()
		return provider.IdTags(ctx)
	}
	return tags.NewStaticProvider(group.IdTags).IdTags(ctx)
}

func serveMetrics(cfg config.PrometheusConfig, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.Handler())
	addr := fmt.Sprintf(":%d", cfg.Port)
	logger.Info("Prometheus metrics listening",
		zap.String("addr", addr),
		zap.String("path", cfg.Path),
	)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("Metrics server stopped", zap.Error(err))
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zc zap.Config
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
