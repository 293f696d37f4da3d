package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/gtriggiano/envoy-geoip-replicator/pkg/cidrlist"
)

var (
	cidrListFile          string
	cidrListFileOverwrite bool
)

func init() {
	rootCmd.AddCommand(synthesizeCIDRListCmd)
	synthesizeCIDRListCmd.Flags().StringVar(&cidrListFile, "file", "", "Path to the trusted proxies list file")
	synthesizeCIDRListCmd.Flags().BoolVar(&cidrListFileOverwrite, "overwrite", false, "Overwrite the list file with the synthesized output, otherwise prints to stdout")
}

var synthesizeCIDRListCmd = &cobra.Command{
	Use:   "synthesize-cidr-list",
	Short: "Remove redundant networks from a trusted proxies list file",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cidrListFile == "" {
			return fmt.Errorf("flag \"file\" is required")
		}

		fileInfo, err := os.Stat(cidrListFile)
		if err != nil {
			return fmt.Errorf("could not stat file %s: %w", cidrListFile, err)
		}

		data, err := os.ReadFile(cidrListFile)
		if err != nil {
			return fmt.Errorf("could not read file %s: %w", cidrListFile, err)
		}

		synthesis := cidrlist.Synthesize(cidrlist.Parse(string(data)))
		for _, removed := range synthesis.RemovedEntries {
			fmt.Fprintf(cmd.ErrOrStderr(), "removed %s\n", removed.Value)
		}
		output := cidrlist.Format(synthesis.NewList)

		if cidrListFileOverwrite {
			if err := os.WriteFile(cidrListFile, []byte(output+"\n"), fileInfo.Mode()); err != nil {
				return fmt.Errorf("write file %s: %w", cidrListFile, err)
			}
			return nil
		}

		fmt.Fprintln(cmd.OutOrStdout(), output)
		return nil
	},
}
