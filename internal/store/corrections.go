package store

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Corrections is the on-disk form of the correction factors.
type Corrections struct {
	UpdatedAt time.Time          `yaml:"updated_at"`
	Default   float64            `yaml:"default"`
	Overrides map[string]float64 `yaml:"overrides,omitempty"`
}

// LoadCorrections loads correction state from disk. A missing file yields
// an empty state with Default 0, meaning "not persisted yet".
func LoadCorrections(path string) (*Corrections, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Corrections{}, nil
		}
		return nil, err
	}

	var c Corrections
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// SaveCorrections writes correction state to disk, replacing the file
// atomically so a crash mid-write never leaves a truncated document.
func SaveCorrections(path string, c *Corrections) error {
	if c == nil {
		return nil
	}
	c.UpdatedAt = time.Now().UTC()
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, ".corrections-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
