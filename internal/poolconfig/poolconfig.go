// Package poolconfig loads the JSON configuration file that carries
// region, grouping and active-selection settings, as distinct from the
// environment-driven process config in internal/config.
package poolconfig

import (
	"encoding/json"
	"fmt"
	"os"
)

// Group is an administrator-defined credential grouping. The id "default"
// always exists implicitly and is never present in Groups.
type Group struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// FileConfig is the on-disk shape of the JSON config file named in the
// external interfaces section of the spec.
type FileConfig struct {
	Host          string  `json:"host,omitempty"`
	Port          int     `json:"port,omitempty"`
	Region        string  `json:"region"`
	APIKeys       []string `json:"api_keys,omitempty"`
	ActiveGroupID *string `json:"active_group_id,omitempty"`
	Groups        []Group `json:"groups,omitempty"`
	AutoRefresh   bool    `json:"auto_refresh"`
}

// DefaultRegion is used when the config file omits one.
const DefaultRegion = "us-east-1"

// Load reads the JSON config file at path. A missing file yields defaults
// rather than an error, matching the credential-pool loader's "missing file
// means empty state" rule; a malformed file is fatal.
func Load(path string) (*FileConfig, error) {
	fc := &FileConfig{Region: DefaultRegion, AutoRefresh: true}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fc, nil
		}
		return nil, fmt.Errorf("read config file %q: %w", path, err)
	}
	if len(data) == 0 {
		return fc, nil
	}

	if err := json.Unmarshal(data, fc); err != nil {
		return nil, fmt.Errorf("parse config file %q: %w", path, err)
	}
	if fc.Region == "" {
		fc.Region = DefaultRegion
	}
	return fc, nil
}

// Save writes fc to path, pretty-printed, matching the credential file's
// presentation convention.
func Save(path string, fc *FileConfig) error {
	data, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// GroupExists reports whether id names a configured group or the implicit
// "default" group.
func (fc *FileConfig) GroupExists(id string) bool {
	if id == "default" {
		return true
	}
	for _, g := range fc.Groups {
		if g.ID == id {
			return true
		}
	}
	return false
}
