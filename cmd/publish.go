package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/gtriggiano/envoy-geoip-replicator/pkg/config"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/geodb"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/logging"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/sharedstore"
)

var publishFile string

func init() {
	rootCmd.AddCommand(publishCmd)
	publishCmd.Flags().StringVar(&publishFile, "file", "", "Path to the MMDB country database to publish")
}

var publishCmd = &cobra.Command{
	Use:   "publish",
	Short: "Validate a local country database and write it to the shared store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if publishFile == "" {
			return fmt.Errorf("flag \"file\" is required")
		}

		data, err := os.ReadFile(publishFile)
		if err != nil {
			return fmt.Errorf("could not read file %s: %w", publishFile, err)
		}
		db, err := geodb.Decode(data, 0)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		store, cfg, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		storeCtx, cancel := context.WithTimeout(ctx, cfg.Store.TimeoutDuration())
		defer cancel()

		// conditional on what is stored now so a concurrent coordinator write is not lost silently
		current, err := store.Get(storeCtx, sharedstore.BlobKey)
		if err != nil {
			return err
		}
		version, err := store.Set(storeCtx, sharedstore.BlobKey, data, &current.Version)
		if errors.Is(err, sharedstore.ErrConflict) {
			return fmt.Errorf("the database changed while publishing, retry: %w", err)
		}
		if err != nil {
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "published %s (%s, built %s) as version %d\n",
			publishFile, db.Type(), db.BuildTime().Format("2006-01-02"), version)
		return nil
	},
}

// openStore loads the configuration and connects to its shared store. The
// in-memory store lives inside one process and cannot be reached from the CLI.
func openStore(ctx context.Context) (sharedstore.Store, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	if cfg.Store.Type == sharedstore.MemoryKind {
		return nil, nil, fmt.Errorf("store type '%s' is local to the running process", sharedstore.MemoryKind)
	}

	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}

	store, err := sharedstore.New(ctx, logger.With(zap.String("component", "shared-store")), cfg.Store.Type, cfg.Store.Settings)
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}
