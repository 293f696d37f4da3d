package coordinator

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrConfig marks a filter configuration the coordinator cannot start with.
var ErrConfig = errors.New("invalid filter configuration")

// FilterConfig names where the database is downloaded from.
type FilterConfig struct {
	// SourceURL is the absolute URL of the MMDB file.
	SourceURL string `json:"mmdb_url"`
	// UpstreamName is the upstream the request is sent through.
	UpstreamName string `json:"mmdb_cluster"`
}

// ParseFilterConfig decodes the {"mmdb_url", "mmdb_cluster"} JSON document.
// A missing document, malformed JSON or an empty field is an error.
func ParseFilterConfig(data []byte) (FilterConfig, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return FilterConfig{}, fmt.Errorf("%w: no configuration supplied", ErrConfig)
	}

	var cfg FilterConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return FilterConfig{}, fmt.Errorf("%w: %w", ErrConfig, err)
	}

	cfg.SourceURL = strings.TrimSpace(cfg.SourceURL)
	cfg.UpstreamName = strings.TrimSpace(cfg.UpstreamName)
	if cfg.SourceURL == "" {
		return FilterConfig{}, fmt.Errorf("%w: mmdb_url is required", ErrConfig)
	}
	if cfg.UpstreamName == "" {
		return FilterConfig{}, fmt.Errorf("%w: mmdb_cluster is required", ErrConfig)
	}
	return cfg, nil
}
