package config

import (
	"reflect"
	"slices"
	"time"
)

// ConfigDiff describes what changed between two configs.
// Only log level and engine timings can be applied without a restart; every
// other changed section is listed in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// TimingsChanged is true when any engine debounce delay changed. The new
	// values apply to timers scheduled from then on.
	TimingsChanged bool
	Timings        Timings

	// RestartRequired lists the config keys whose new value only takes
	// effect after a restart.
	RestartRequired []string
}

// Timings are the hot-reloadable engine delays. Zero keeps the engine default.
type Timings struct {
	NewDelay, UpdateDelay, SweepDelay time.Duration
}

// Changed reports whether anything differs.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.TimingsChanged || len(d.RestartRequired) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	// Log level
	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	// Engine timings
	oe, ne := old.Engine, new.Engine
	if oe.NewDelay != ne.NewDelay || oe.UpdateDelay != ne.UpdateDelay || oe.SweepDelay != ne.SweepDelay {
		d.TimingsChanged = true
		d.Timings = Timings{
			NewDelay:    ne.NewDelay,
			UpdateDelay: ne.UpdateDelay,
			SweepDelay:  ne.SweepDelay,
		}
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.log_format", old.Server.LogFormat != new.Server.LogFormat)
	restart("server.tls", !reflect.DeepEqual(old.Server.TLS, new.Server.TLS))
	restart("server.allowed_origins", !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins))
	restart("engine.container_classes", !slices.Equal(oe.ContainerClasses, ne.ContainerClasses))
	restart("engine.region_classes", !slices.Equal(oe.RegionClasses, ne.RegionClasses))
	restart("engine.token_class", oe.TokenClass != ne.TokenClass)
	restart("engine.selected_class", oe.SelectedClass != ne.SelectedClass)
	restart("engine.modifier_key", oe.ModifierKey != ne.ModifierKey)
	restart("engine.sweep_interval", oe.SweepInterval != ne.SweepInterval)
	restart("enrichment", !reflect.DeepEqual(old.Enrichment, new.Enrichment))
	restart("audio", old.Audio != new.Audio)

	return d
}
