package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// File is the on-disk registry format. JSON files parse too, since YAML is a
// superset of JSON.
//
//	devices:
//	  - id: strathmore-sensor1
//	    venue_name: Strathmore Study Area
//	    venue_type: study_area
//	    max_capacity: 20
//	    location: Building A, Floor 2
type File struct {
	Devices []VenueInfo `yaml:"devices"`
}

// Parse builds a Registry from YAML or JSON bytes.
func Parse(data []byte) (*Registry, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse device registry: %w", err)
	}
	return New(f.Devices)
}

// LoadFile reads the registry at path. An empty path yields Default().
func LoadFile(path string) (*Registry, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read device registry: %w", err)
	}
	return Parse(data)
}
