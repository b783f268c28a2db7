package autosave

// FlagSource says where the autosave flag value came from.
type FlagSource string

const (
	SourceEnv        FlagSource = "env"
	SourceWorkspace  FlagSource = "workspace"
	SourceLocalStore FlagSource = "localStorage"
	SourceDefault    FlagSource = "default"
)

func (s FlagSource) Valid() bool {
	switch s {
	case SourceEnv, SourceWorkspace, SourceLocalStore, SourceDefault:
		return true
	}
	return false
}

// EnablementSnapshot is resolved once, outside the engine, and handed to
// New. Loosely shaped inputs are normalized by the config package.
type EnablementSnapshot struct {
	FlagValue       bool       `json:"flagValue"`
	FlagSource      FlagSource `json:"flagSource"`
	OptionsDisabled bool       `json:"optionsDisabled"`
}

// Blocked reasons.
const (
	ReasonFlagDisabled    = "flag-disabled"
	ReasonOptionsDisabled = "options-disabled"
)

// Enabled reports whether the engine may run.
func (s EnablementSnapshot) Enabled() bool {
	return !s.OptionsDisabled && s.FlagValue
}

// BlockReason returns why the engine is disabled, or "" if it is not.
// An explicit options opt-out wins over the flag.
func (s EnablementSnapshot) BlockReason() string {
	switch {
	case s.OptionsDisabled:
		return ReasonOptionsDisabled
	case !s.FlagValue:
		return ReasonFlagDisabled
	}
	return ""
}
