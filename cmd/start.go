package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gtriggiano/envoy-geoip-replicator/pkg/cidrlist"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/config"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/coordinator"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/fetch"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/filter"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/logging"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/metrics"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/service"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/sharedstore"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/workercache"
)

var cfgFile string

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "config.yaml", "Path to the configuration file")
	rootCmd.AddCommand(startCmd)
}

var startCmd = &cobra.Command{
	Use:           "start",
	Short:         "Run the refresh coordinator, the lookup worker or both, depending on the configured role",
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		baseLogger, err := logging.New(cfg.Logging)
		if err != nil {
			return err
		}
		defer func() { _ = baseLogger.Sync() }()
		logger := baseLogger.With(zap.String("component", "cli"))
		logger.Info("starting", zap.String("role", cfg.Role), zap.String("store", cfg.Store.Type))

		runCtx, cancelRunCtx := context.WithCancel(context.Background())
		defer cancelRunCtx()

		store, err := sharedstore.New(runCtx, baseLogger.With(zap.String("component", "shared-store")), cfg.Store.Type, cfg.Store.Settings)
		if err != nil {
			logger.Error("could not open the shared store", zap.Error(err))
			return err
		}
		defer func() { _ = store.Close() }()

		metricsServer := metrics.NewServer(cfg.Metrics, baseLogger.With(zap.String("component", "metrics-server")),
			metrics.HealthChecker{Name: "shared-store", Check: store.HealthCheck},
		)
		inst := metricsServer.Instrumentation()

		var loops []func(context.Context) error

		if cfg.RunsCoordinator() {
			refresh, err := buildCoordinator(cfg, store, baseLogger, inst)
			if err != nil {
				logger.Error("could not build the refresh coordinator", zap.Error(err))
				return err
			}
			loops = append(loops, refresh.Run)
		}

		var serviceServer *service.Server
		if cfg.RunsWorker() {
			cache := workercache.New(store, baseLogger.With(zap.String("component", "worker-cache")), inst, workercache.Options{
				InitialPollInterval: cfg.Worker.InitialPollIntervalDuration(),
				PollInterval:        cfg.Worker.PollIntervalDuration(),
				StoreTimeout:        cfg.Store.TimeoutDuration(),
				StoreName:           cfg.Store.Type,
			})
			metricsServer.AddHealthChecker(metrics.HealthChecker{Name: "worker-cache", Check: cache.HealthCheck})
			loops = append(loops, cache.Run)

			trusted, err := trustedProxies(cfg.Filter)
			if err != nil {
				logger.Error("could not load trusted proxies", zap.Error(err))
				return err
			}
			factory := filter.NewFactory(cache, filter.Options{
				ForwardedHeader: cfg.Filter.ForwardedHeader,
				CountryHeader:   cfg.Filter.CountryHeader,
				TrustedProxies:  trusted,
			}, baseLogger.With(zap.String("component", "lookup-filter")))

			serviceServer, err = service.NewServer(
				cfg.Server,
				service.NewManager(factory, inst, baseLogger.With(zap.String("component", "service-manager"))),
				baseLogger.With(zap.String("component", "service-server")),
			)
			if err != nil {
				logger.Error("could not create gRPC server", zap.Error(err))
				return err
			}
		}

		serversGroup, serversCtx := errgroup.WithContext(runCtx)

		serversGroup.Go(func() error {
			return metricsServer.Start(serversCtx)
		})
		for _, loop := range loops {
			serversGroup.Go(func() error {
				return loop(serversCtx)
			})
		}
		if serviceServer != nil {
			serversGroup.Go(func() error {
				return serviceServer.Start(serversCtx, func() { metricsServer.SetReady(true) })
			})
		} else {
			metricsServer.SetReady(true)
		}

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		defer signal.Stop(sigCh)

		done := make(chan struct{})
		defer close(done)

		go func() {
			select {
			case <-sigCh:
				logger.Info("shutdown signal received")
				cancelRunCtx()
				timeout := cfg.Shutdown.ShutdownTimeout()
				timer := time.NewTimer(timeout)
				defer timer.Stop()
				select {
				case <-done:
				case <-timer.C:
					logger.Error("shutdown timed out", zap.String("timeout", timeout.String()))
					os.Exit(1)
				}
			case <-done:
				return
			}
		}()

		if err := serversGroup.Wait(); err != nil && serversCtx.Err() == nil {
			logger.Error("server exited with error", zap.Error(err))
			return err
		}
		return nil
	},
}

// loadConfig reads the file named by the --config flag.
func loadConfig() (*config.Config, error) {
	path, err := filepath.Abs(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	return config.Load(path)
}

func buildCoordinator(cfg *config.Config, store sharedstore.Store, baseLogger *zap.Logger, inst *metrics.Instrumentation) (*coordinator.Coordinator, error) {
	raw, err := cfg.Coordinator.FilterConfigJSON()
	if err != nil {
		return nil, err
	}
	filterConfig, err := coordinator.ParseFilterConfig(raw)
	if err != nil {
		return nil, err
	}

	dispatcher, err := fetch.NewHTTPDispatcher(cfg.Coordinator.Upstreams, baseLogger.With(zap.String("component", "fetch")))
	if err != nil {
		return nil, err
	}
	if !slices.Contains(dispatcher.Upstreams(), filterConfig.UpstreamName) {
		return nil, fmt.Errorf("%w: mmdb_cluster '%s' is not one of the configured upstreams %v",
			coordinator.ErrConfig, filterConfig.UpstreamName, dispatcher.Upstreams())
	}

	return coordinator.New(filterConfig, store, dispatcher, baseLogger.With(zap.String("component", "coordinator")), inst, coordinator.Options{
		InitialDelay:    cfg.Coordinator.InitialDelayDuration(),
		RefreshInterval: cfg.Coordinator.RefreshIntervalDuration(),
		FetchTimeout:    cfg.Coordinator.FetchTimeoutDuration(),
		StoreTimeout:    cfg.Store.TimeoutDuration(),
		RetryOnConflict: cfg.Coordinator.RetriesOnConflict(),
		StoreName:       cfg.Store.Type,
	})
}

// trustedProxies merges the inline entries with the optional list file.
func trustedProxies(cfg config.FilterConfig) ([]cidrlist.CIDR, error) {
	list, err := cidrlist.ParseEntries(cfg.TrustedProxies)
	if err != nil {
		return nil, fmt.Errorf("configuration 'filter.trustedProxies': %w", err)
	}
	if cfg.TrustedProxiesFile != "" {
		data, err := os.ReadFile(cfg.TrustedProxiesFile)
		if err != nil {
			return nil, fmt.Errorf("could not read trusted proxies file: %w", err)
		}
		list = append(list, cidrlist.Parse(string(data))...)
	}
	return list, nil
}
