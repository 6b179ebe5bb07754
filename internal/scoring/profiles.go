package scoring

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// ProfilesFile is the default filename for aggregation weight profiles
const ProfilesFile = "profiles.toml"

// profilesFile is the root structure of profiles.toml:
//
//	[profiles.discovery_call]
//	discovery = 2.0
//	engagement = 1.0
type profilesFile struct {
	Profiles map[string]map[string]float64 `toml:"profiles"`
}

// LoadProfiles reads call-type weight profiles from the given path. A
// missing file is not an error; aggregation falls back to the
// unweighted default for every call type.
func (e *Engine) LoadProfiles(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		e.logger.Debug("No weight profiles file, using defaults", map[string]interface{}{
			"path": path,
		})
		return nil
	}

	var pf profilesFile
	if _, err := toml.DecodeFile(path, &pf); err != nil {
		return fmt.Errorf("failed to parse weight profiles: %w", err)
	}

	for callType, weights := range pf.Profiles {
		for dim, w := range weights {
			if w <= 0 {
				return fmt.Errorf("profile %q has non-positive weight %v for dimension %q", callType, w, dim)
			}
		}
	}

	e.profiles = make(map[string]Profile, len(pf.Profiles))
	for callType, weights := range pf.Profiles {
		e.profiles[callType] = Profile(weights)
	}

	e.logger.Info("Weight profiles loaded", map[string]interface{}{
		"path":     path,
		"profiles": len(e.profiles),
	})
	return nil
}

// SetProfile installs or replaces one call type's weights directly.
func (e *Engine) SetProfile(callType string, weights map[string]float64) {
	e.profiles[callType] = Profile(weights)
}

// ProfileNames lists the loaded call types with custom weights.
func (e *Engine) ProfileNames() []string {
	names := make([]string, 0, len(e.profiles))
	for name := range e.profiles {
		names = append(names, name)
	}
	return names
}
