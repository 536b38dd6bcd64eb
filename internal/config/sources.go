package config

import (
	"fmt"
	"os"
	"strings"
)

// Source kinds understood by the bulk loader.
const (
	SourceKindHashes   = "hashes"
	SourceKindMedia    = "media"
	SourceKindManifest = "manifest"
)

// SourceConfig declares a bulk-load source polled by the fetcher task.
type SourceConfig struct {
	Name    string `mapstructure:"name"`    // Unique identifier, also the cursor key
	Kind    string `mapstructure:"kind"`    // hashes, media or manifest
	Path    string `mapstructure:"path"`    // File or directory; $VARS are expanded
	Bank    string `mapstructure:"bank"`    // Destination bank name
	Create  bool   `mapstructure:"create"`  // Create the bank if it does not exist
	Enabled bool   `mapstructure:"enabled"` // Disabled sources are skipped
}

// ResolveEnvVars expands environment variable references in Path.
func (c *SourceConfig) ResolveEnvVars() {
	if strings.Contains(c.Path, "$") {
		c.Path = os.ExpandEnv(c.Path)
	}
}

// Validate checks that the source has all required fields.
func (c *SourceConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("source config: name is required")
	}
	switch c.Kind {
	case SourceKindHashes, SourceKindMedia, SourceKindManifest:
	default:
		return fmt.Errorf("source %q: unknown kind %q", c.Name, c.Kind)
	}
	if c.Path == "" {
		return fmt.Errorf("source %q: path is required", c.Name)
	}
	if c.Bank == "" {
		return fmt.Errorf("source %q: bank is required", c.Name)
	}
	return nil
}
