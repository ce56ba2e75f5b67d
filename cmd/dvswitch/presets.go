package main

import (
	"github.com/zsiec/dvswitch/internal/config"
	"github.com/zsiec/dvswitch/internal/mixer"
)

// sourcePresets returns a mixer.PresetFunc that applies the configured
// name and url of a source id when a source registers under it.
func sourcePresets(cfg *config.Config) mixer.PresetFunc {
	return func(id mixer.SourceID, settings mixer.SourceSettings) mixer.SourceSettings {
		preset, ok := cfg.Preset(int(id))
		if !ok {
			return settings
		}
		if preset.Name != "" {
			settings.Name = preset.Name
		}
		if preset.URL != "" {
			settings.URL = preset.URL
		}
		return settings
	}
}
