package tier

import (
	"path/filepath"

	"github.com/antigravity-dev/mnemo/internal/config"
)

// ReadConfig loads config.yaml from the same directory the tier files live
// in. The Tier Store owns the directory, so it is the natural place to
// expose the load path alongside read_tier/write_tier.
func (s *Store) ReadConfig() (*config.Config, error) {
	return config.Load(filepath.Join(s.dir, "config.yaml"))
}

// WriteConfig validates and atomically persists cfg to config.yaml in the
// tier directory.
func (s *Store) WriteConfig(cfg *config.Config) error {
	return config.Save(filepath.Join(s.dir, "config.yaml"), cfg)
}
