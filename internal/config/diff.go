package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// InstructionsChanged is pushed to every live conversation.
	InstructionsChanged bool
	NewInstructions     string

	// RestartRequired lists settings that changed but only take effect on
	// restart.
	RestartRequired []string
}

// Changed reports whether anything hot-reloadable changed.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.InstructionsChanged
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Realtime.Instructions != new.Realtime.Instructions {
		d.InstructionsChanged = true
		d.NewInstructions = new.Realtime.Instructions
	}

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Server.StaticDir != new.Server.StaticDir {
		d.RestartRequired = append(d.RestartRequired, "server.static_dir")
	}
	if old.Realtime.Model != new.Realtime.Model || old.Realtime.Voice != new.Realtime.Voice ||
		old.Realtime.TurnDetection != new.Realtime.TurnDetection {
		d.RestartRequired = append(d.RestartRequired, "realtime")
	}
	if old.Vision.Model != new.Vision.Model || old.Vision.RelayURL != new.Vision.RelayURL {
		d.RestartRequired = append(d.RestartRequired, "vision")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	if old.Conversations != new.Conversations {
		d.RestartRequired = append(d.RestartRequired, "conversations")
	}
	return d
}
