// Package main is the entry point of the GeoIP replicator.
package main

import (
	"os"

	"github.com/gtriggiano/envoy-geoip-replicator/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
