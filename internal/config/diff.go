package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ScriptChanged is set when prompt or generation settings changed. New
	// compilations pick them up; running ones keep their settings.
	ScriptChanged bool

	// GateChanged is set when gate sizing changed. It takes effect only
	// after a restart.
	GateChanged bool

	// ProvidersChanged is set when any LLM provider entry changed. It takes
	// effect only after a restart.
	ProvidersChanged bool
}

// RequiresRestart reports whether some change cannot be applied live.
func (d ConfigDiff) RequiresRestart() bool {
	return d.GateChanged || d.ProvidersChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ScriptChanged = old.Script != new.Script
	d.GateChanged = old.Gate != new.Gate
	d.ProvidersChanged = !reflect.DeepEqual(old.Providers, new.Providers)
	return d
}
