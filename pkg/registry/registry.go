// Package registry maps sensor device ids to the venue they monitor.
//
// A Registry is built once at startup and never mutated; it is safe for
// concurrent use and is passed explicitly to the components that need it.
package registry

import (
	"errors"
	"fmt"
	"sort"
)

// DefaultCapacity is the occupancy cap applied when a venue capacity is unknown.
const DefaultCapacity = 20

// VenueInfo describes the venue a device reports for.
type VenueInfo struct {
	ID          string `json:"id" yaml:"id"`
	VenueName   string `json:"venue_name" yaml:"venue_name"`
	VenueType   string `json:"venue_type" yaml:"venue_type"`
	MaxCapacity int    `json:"max_capacity" yaml:"max_capacity"`
	Location    string `json:"location" yaml:"location"`
}

// Validation errors
var (
	ErrEmptyID         = errors.New("device id cannot be empty")
	ErrInvalidCapacity = errors.New("max_capacity must be positive")
	ErrDuplicateID     = errors.New("duplicate device id")
)

// Registry is an immutable device-to-venue lookup.
type Registry struct {
	venues map[string]VenueInfo
	ids    []string
}

// New validates venues and builds a Registry.
func New(venues []VenueInfo) (*Registry, error) {
	r := &Registry{
		venues: make(map[string]VenueInfo, len(venues)),
		ids:    make([]string, 0, len(venues)),
	}
	for _, v := range venues {
		if v.ID == "" {
			return nil, ErrEmptyID
		}
		if v.MaxCapacity <= 0 {
			return nil, fmt.Errorf("%w: device %q has %d", ErrInvalidCapacity, v.ID, v.MaxCapacity)
		}
		if _, dup := r.venues[v.ID]; dup {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateID, v.ID)
		}
		r.venues[v.ID] = v
		r.ids = append(r.ids, v.ID)
	}
	sort.Strings(r.ids)
	return r, nil
}

// Default returns the registry for the single sensor deployed today.
func Default() *Registry {
	r, err := New([]VenueInfo{
		{
			ID:          "strathmore-sensor1",
			VenueName:   "Strathmore Study Area",
			VenueType:   "study_area",
			MaxCapacity: 20,
			Location:    "Building A, Floor 2",
		},
	})
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the venue for deviceID.
func (r *Registry) Lookup(deviceID string) (VenueInfo, bool) {
	v, ok := r.venues[deviceID]
	return v, ok
}

// Capacity returns the venue capacity for deviceID, or DefaultCapacity when
// the device is not registered.
func (r *Registry) Capacity(deviceID string) int {
	if v, ok := r.venues[deviceID]; ok {
		return v.MaxCapacity
	}
	return DefaultCapacity
}

// IDs returns the registered device ids in sorted order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.ids))
	copy(out, r.ids)
	return out
}

// All returns a copy of the full mapping.
func (r *Registry) All() map[string]VenueInfo {
	out := make(map[string]VenueInfo, len(r.venues))
	for k, v := range r.venues {
		out[k] = v
	}
	return out
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	return len(r.venues)
}
