package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/netip"

	"github.com/spf13/cobra"

	"github.com/gtriggiano/envoy-geoip-replicator/pkg/geodb"
	"github.com/gtriggiano/envoy-geoip-replicator/pkg/sharedstore"
)

var lookupIP string

func init() {
	rootCmd.AddCommand(lookupCmd)
	lookupCmd.Flags().StringVar(&lookupIP, "ip", "", "Address to resolve")
}

var lookupCmd = &cobra.Command{
	Use:   "lookup",
	Short: "Resolve an address against the database held by the shared store",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if lookupIP == "" {
			return fmt.Errorf("flag \"ip\" is required")
		}
		addr, err := netip.ParseAddr(lookupIP)
		if err != nil {
			return fmt.Errorf("invalid address '%s': %w", lookupIP, err)
		}

		ctx := cmd.Context()
		store, cfg, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = store.Close() }()

		storeCtx, cancel := context.WithTimeout(ctx, cfg.Store.TimeoutDuration())
		defer cancel()

		blob, err := store.Get(storeCtx, sharedstore.BlobKey)
		if err != nil {
			return err
		}
		if !blob.Found() {
			return errors.New("no country database in the shared store yet")
		}

		db, err := geodb.Decode(blob.Data, blob.Version)
		if err != nil {
			return err
		}

		country, err := db.Country(addr)
		switch {
		case errors.Is(err, geodb.ErrNotFound):
			country = "-"
		case err != nil:
			return err
		}

		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\tversion=%d\n", addr, country, db.Version())
		return nil
	},
}
