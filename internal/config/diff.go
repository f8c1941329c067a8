package config

import "reflect"

// ConfigDiff describes what changed between two configs.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PipelineChanged is set when any pipeline setting changed. Pipeline
	// settings apply to sessions created after the reload.
	PipelineChanged bool

	// RestartRequired lists the changed top-level sections that only take
	// effect after a restart.
	RestartRequired []string
}

// Diff compares two configs and returns what changed.
func Diff(oldCfg, newCfg *Config) ConfigDiff {
	d := ConfigDiff{}

	if oldCfg.Server.LogLevel != newCfg.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = newCfg.Server.LogLevel
	}
	d.PipelineChanged = !reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline)

	sections := []struct {
		name           string
		oldCfg, newCfg any
	}{
		{"server.listen_addr", oldCfg.Server.ListenAddr, newCfg.Server.ListenAddr},
		{"providers", oldCfg.Providers, newCfg.Providers},
		{"transport", oldCfg.Transport, newCfg.Transport},
		{"stats", oldCfg.Stats, newCfg.Stats},
		{"health", oldCfg.Health, newCfg.Health},
		{"telemetry", oldCfg.Telemetry, newCfg.Telemetry},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.oldCfg, s.newCfg) {
			d.RestartRequired = append(d.RestartRequired, s.name)
		}
	}
	return d
}
