package localmapping

import (
	"encoding/json"
	"os"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// Config tunes the local mapping pipeline.
type Config struct {
	// Monocular selects the monocular tuning: wider triangulation
	// neighborhoods and a lower observation floor for landmark culling.
	Monocular bool `json:"monocular"`
	// Sigma is the keypoint measurement noise in pixels at octave zero.
	Sigma float64 `json:"sigma"`
	// CullFoundRatio tombstones recent landmarks matched in fewer than this
	// fraction of the frames that predicted them visible.
	CullFoundRatio float64 `json:"cull_found_ratio"`
	// RedundantObsRatio culls a keyframe when this fraction of its landmarks
	// is tracked at least as well by three other keyframes.
	RedundantObsRatio float64 `json:"redundant_obs_ratio"`
	// ThreeViewLines verifies new line landmarks against a second covisible
	// neighbor before accepting them.
	ThreeViewLines bool `json:"three_view_lines"`
}

// DefaultConfig returns the standard monocular tuning.
func DefaultConfig() Config {
	return Config{
		Monocular:         true,
		Sigma:             1.0,
		CullFoundRatio:    0.25,
		RedundantObsRatio: 0.9,
		ThreeViewLines:    true,
	}
}

// CheckValid returns an error if the config cannot drive the pipeline,
// reporting all invalid fields at once.
func (c Config) CheckValid() error {
	var err error
	if c.Sigma <= 0 {
		err = multierr.Combine(err, errors.Errorf("sigma must be positive, got %v", c.Sigma))
	}
	if c.CullFoundRatio < 0 || c.CullFoundRatio > 1 {
		err = multierr.Combine(err, errors.Errorf("cull_found_ratio must be in [0,1], got %v", c.CullFoundRatio))
	}
	if c.RedundantObsRatio <= 0 || c.RedundantObsRatio > 1 {
		err = multierr.Combine(err, errors.Errorf("redundant_obs_ratio must be in (0,1], got %v", c.RedundantObsRatio))
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
