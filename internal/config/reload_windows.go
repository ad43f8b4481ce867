//go:build windows

package config

// registerSignalHandler is a no-op: SIGHUP does not exist on Windows, so
// reloads happen only through the file watcher.
func (r *Reloader) registerSignalHandler() {}
