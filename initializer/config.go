package initializer

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// Config tunes the two-view RANSAC and reconstruction gates.
type Config struct {
	// Sigma is the keypoint measurement noise in pixels at octave zero.
	Sigma float64 `json:"sigma"`
	// MaxIterations caps the RANSAC iterations of both model searches.
	MaxIterations int `json:"ransac_iterations"`
	// MinParallaxDeg is the minimum percentile triangulation parallax, in
	// degrees, for a reconstruction to be accepted.
	MinParallaxDeg float64 `json:"min_parallax_deg"`
	// MinTriangulated is the floor on the number of triangulated points.
	MinTriangulated int `json:"min_triangulated"`
	// Seed feeds the RANSAC sampler so initialization attempts on the same
	// input reproduce the same candidate sets.
	Seed int64 `json:"seed"`
	// Lines enables triangulation of matched line segments after the point
	// reconstruction succeeds.
	Lines bool `json:"lines"`
}

// DefaultConfig returns the standard monocular initialization tuning.
func DefaultConfig() Config {
	return Config{
		Sigma:           1.0,
		MaxIterations:   200,
		MinParallaxDeg:  1.0,
		MinTriangulated: 50,
		Seed:            0,
		Lines:           true,
	}
}

// CheckValid returns an error if the config cannot drive an initialization,
// reporting all invalid fields at once.
func (c Config) CheckValid() error {
	var err error
	if c.Sigma <= 0 {
		err = multierr.Combine(err, errors.Errorf("sigma must be positive, got %v", c.Sigma))
	}
	if c.MaxIterations <= 0 {
		err = multierr.Combine(err, errors.Errorf("ransac_iterations must be positive, got %d", c.MaxIterations))
	}
	if c.MinTriangulated < 8 {
		err = multierr.Combine(err, errors.Errorf("min_triangulated must be at least 8, got %d", c.MinTriangulated))
	}
	return err
}

// LoadConfig reads a Config from a JSON file, applying defaults for absent
// fields.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer utils.UncheckedErrorFunc(f.Close)
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, errors.Wrapf(err, "failed to parse config %q", path)
	}
	return cfg, cfg.CheckValid()
}
