// Package config loads cubdb's Options, including the auto-compact
// policy, from a JSON-with-comments file using tailscale/hujson, and
// validates shapes the way the engine's Configuration section requires:
// invalid shapes fail fast with InvalidConfigError.
package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailscale/hujson"
)

// AutoCompactMode selects whether the coordinator triggers compactions on
// its own after mutations.
type AutoCompactMode int

const (
	AutoCompactOff AutoCompactMode = iota
	AutoCompactOn
)

// AutoCompact is the auto-compact policy: trigger a compaction once
// dirt >= MinWrites and dirt_factor >= MinDirtFactor, provided none is
// already in flight.
type AutoCompact struct {
	Mode          AutoCompactMode `json:"mode"`
	MinWrites     uint64          `json:"min_writes"`
	MinDirtFactor float64         `json:"min_dirt_factor"`
}

// DefaultAutoCompact matches the spec's stated defaults: {100, 0.25}.
var DefaultAutoCompact = AutoCompact{Mode: AutoCompactOn, MinWrites: 100, MinDirtFactor: 0.25}

// InvalidConfigError reports a rejected Options or AutoCompact shape.
type InvalidConfigError struct {
	Reason string
}

func (e *InvalidConfigError) Error() string { return "config: invalid: " + e.Reason }

// Validate rejects an out-of-range MinDirtFactor. MinWrites has no upper
// bound; 0 is legal (every mutation is eligible once dirt_factor clears
// the threshold).
func (a AutoCompact) Validate() error {
	if a.Mode != AutoCompactOff && a.Mode != AutoCompactOn {
		return &InvalidConfigError{Reason: fmt.Sprintf("unknown auto_compact mode %d", a.Mode)}
	}
	if a.MinDirtFactor < 0 || a.MinDirtFactor > 1 {
		return &InvalidConfigError{Reason: fmt.Sprintf("min_dirt_factor %v out of [0,1]", a.MinDirtFactor)}
	}
	return nil
}

// Options is the full set of knobs a database is opened with.
type Options struct {
	Dir         string      `json:"dir"`
	Order       int         `json:"order"`
	CacheSize   int         `json:"cache_size"`
	AutoCompact AutoCompact `json:"auto_compact"`
}

// Validate checks every field that can make an Options shape nonsensical.
func (o Options) Validate() error {
	if o.Dir == "" {
		return &InvalidConfigError{Reason: "dir must not be empty"}
	}
	if o.Order < 0 {
		return &InvalidConfigError{Reason: "order must not be negative"}
	}
	return o.AutoCompact.Validate()
}

// Load reads a JSONC (JSON-with-comments, trailing commas allowed) file
// at path, standardizes it with hujson, and validates the result.
func Load(path string) (Options, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Options{}, &InvalidConfigError{Reason: fmt.Sprintf("read %s: %v", path, err)}
	}
	std, err := hujson.Standardize(raw)
	if err != nil {
		return Options{}, &InvalidConfigError{Reason: fmt.Sprintf("parse %s: %v", path, err)}
	}
	var o Options
	if err := json.Unmarshal(std, &o); err != nil {
		return Options{}, &InvalidConfigError{Reason: fmt.Sprintf("decode %s: %v", path, err)}
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}
