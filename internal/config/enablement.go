package config

import (
	"encoding/json"
	"strings"

	"github.com/RNA4219/Conimgponic-sub000/internal/autosave"
)

// Enablement normalizes a loosely shaped flag value into a snapshot.
//
// Accepted shapes: bool, strings ("true", "1", "on", "yes", "enabled" are
// on), any number (non-zero is on), json.Number, and a map carrying
// "enabled" plus optional "options_disabled"/"disabled". nil and anything
// unrecognised read as off. An invalid source becomes "default".
func Enablement(raw any, source autosave.FlagSource) autosave.EnablementSnapshot {
	if !source.Valid() {
		source = autosave.SourceDefault
	}
	snap := autosave.EnablementSnapshot{FlagSource: source}
	switch v := raw.(type) {
	case map[string]any:
		snap.FlagValue = flagValue(v["enabled"])
		snap.OptionsDisabled = flagValue(v["options_disabled"]) || flagValue(v["disabled"])
	default:
		snap.FlagValue = flagValue(raw)
	}
	return snap
}

func flagValue(raw any) bool {
	switch v := raw.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		return truthy(v)
	case json.Number:
		return truthy(v.String())
	case int:
		return v != 0
	case int64:
		return v != 0
	case uint64:
		return v != 0
	case float64:
		return v != 0
	case map[string]any:
		return flagValue(v["enabled"])
	}
	return false
}

// Enablement resolves the configured feature section. An explicit
// options_disabled in the file or environment is OR-ed with one carried by
// the flag map.
func (c Config) Enablement() autosave.EnablementSnapshot {
	snap := Enablement(c.Feature.Flag, autosave.FlagSource(strings.TrimSpace(c.Feature.Source)))
	snap.OptionsDisabled = snap.OptionsDisabled || c.Feature.OptionsDisabled
	return snap
}
