package config

import (
	"log/slog"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the file at path whenever it changes and hands the result to
// fn. A file that fails to parse or validate is reported through err and the
// previous configuration stays in effect. Watching lasts for the life of the
// process.
func Watch(path string, log *slog.Logger, fn func(fc *FileConfig, err error)) error {
	if log == nil {
		log = slog.Default()
	}
	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return err
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info("config changed", "path", e.Name, "op", e.Op.String())
		fc, err := decode(v, path)
		fn(fc, err)
	})
	v.WatchConfig()
	return nil
}
