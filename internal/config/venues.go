package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	VenueKindAggregator = "aggregator"
	VenueKindAMM        = "amm"
)

// VenueConfig describes one liquidity venue. Order in the file is the
// tie-break order used when two venues quote the same output.
type VenueConfig struct {
	Name      string        `yaml:"name"`
	Kind      string        `yaml:"kind"`
	BaseURL   string        `yaml:"base_url"`
	ProgramID string        `yaml:"program_id"`
	Timeout   time.Duration `yaml:"timeout"`
}

type venuesFile struct {
	Venues []VenueConfig `yaml:"venues"`
}

func LoadVenues(path string) ([]VenueConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read venues file: %w", err)
	}
	var f venuesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse venues file: %w", err)
	}
	return f.Venues, nil
}

func validateVenues(venues []VenueConfig) error {
	seen := make(map[string]bool, len(venues))
	for i, v := range venues {
		if v.Name == "" {
			return fmt.Errorf("venue #%d: name is empty", i)
		}
		if seen[v.Name] {
			return fmt.Errorf("venue %s: duplicate name", v.Name)
		}
		seen[v.Name] = true
		if v.BaseURL == "" {
			return fmt.Errorf("venue %s: base_url is empty", v.Name)
		}
		switch v.Kind {
		case VenueKindAggregator:
		case VenueKindAMM:
			if v.ProgramID == "" {
				return fmt.Errorf("venue %s: amm venues need program_id", v.Name)
			}
		default:
			return fmt.Errorf("venue %s: unknown kind %q", v.Name, v.Kind)
		}
	}
	if seen["mock-engine"] {
		return errors.New("venue name mock-engine is reserved")
	}
	return nil
}
