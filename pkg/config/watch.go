package config

import (
	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watch reloads the configuration whenever the config file changes and hands
// the new record to fn. Reloads that fail to parse or validate are dropped;
// the previous configuration stays in effect.
//
// Only file-backed settings are watched. With no config file (environment
// only) Watch is a no-op. The watcher lives for the rest of the process.
func Watch(configPath string, fn func(*Config)) error {
	v := viper.New()

	setupViper(v, configPath)
	setDefaults(v)

	found, err := readConfigFile(v)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	v.OnConfigChange(func(fsnotify.Event) {
		cfg, err := decode(v)
		if err != nil {
			return
		}
		fn(cfg)
	})
	v.WatchConfig()

	return nil
}
