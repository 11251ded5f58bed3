package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// ReloadCallback is invoked after a new configuration passed validation.
type ReloadCallback func(old, new *Config) error

// ConfigReloader watches the configuration file (and SIGHUP) and swaps in
// settings that are safe to change while the server is running.
type ConfigReloader struct {
	path     string
	logger   *logrus.Logger
	watcher  *fsnotify.Watcher
	sighup   chan os.Signal
	done     chan struct{}
	stopOnce sync.Once

	mu       sync.RWMutex
	current  *Config
	onReload ReloadCallback
}

// NewConfigReloader creates a reloader. An empty path disables file watching
// and leaves SIGHUP as the only trigger.
func NewConfigReloader(path string, initial *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		current: initial,
		sighup:  make(chan os.Signal, 1),
		done:    make(chan struct{}),
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// Watch the directory so editors that replace the file are still seen.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch config directory: %w", err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.sighup, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback registers the function applied after each successful reload.
func (r *ConfigReloader) SetOnReloadCallback(cb ReloadCallback) {
	r.mu.Lock()
	r.onReload = cb
	r.mu.Unlock()
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := *r.current
	return &cp
}

// Start blocks, processing reload triggers until Stop is called.
func (r *ConfigReloader) Start() {
	var events chan fsnotify.Event
	var errs chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}

	var debounce <-chan time.Time
	for {
		select {
		case <-r.done:
			return
		case <-r.sighup:
			r.logger.Info("Received SIGHUP, reloading configuration")
			r.reload()
		case ev, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(r.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(100 * time.Millisecond)
		case <-debounce:
			debounce = nil
			r.logger.WithField("path", r.path).Info("Configuration file changed, reloading")
			r.reload()
		case err, ok := <-errs:
			if !ok {
				return
			}
			r.logger.WithError(err).Warn("Config watcher error")
		}
	}
}

// Stop releases the watcher and signal subscription.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		signal.Stop(r.sighup)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) reload() {
	if r.path == "" {
		r.logger.Debug("No config file configured, nothing to reload")
		return
	}

	next, err := LoadConfig(r.path)
	if err != nil {
		r.logger.WithError(err).Error("Failed to reload configuration, keeping current settings")
		return
	}

	r.mu.Lock()
	old := r.current
	if err := r.validateReloadSafety(old, next); err != nil {
		r.mu.Unlock()
		r.logger.WithError(err).Error("Rejected configuration reload")
		return
	}
	r.current = next
	cb := r.onReload
	r.mu.Unlock()

	if cb != nil {
		if err := cb(old, next); err != nil {
			r.logger.WithError(err).Error("Configuration reload callback failed")
		}
	}
}

// validateReloadSafety rejects changes that would make stored data
// unreadable or require re-opening the metadata store.
func (r *ConfigReloader) validateReloadSafety(old, next *Config) error {
	if old.Encryption.Secret != next.Encryption.Secret {
		return fmt.Errorf("encryption.secret cannot be changed during hot reload")
	}
	if old.Encryption.SecretFile != next.Encryption.SecretFile {
		return fmt.Errorf("encryption.secret_file cannot be changed during hot reload")
	}
	if old.Encryption.ChunkSize != next.Encryption.ChunkSize {
		return fmt.Errorf("encryption.chunk_size cannot be changed during hot reload")
	}
	if old.Auth.JWTSecret != next.Auth.JWTSecret {
		return fmt.Errorf("auth.jwt_secret cannot be changed during hot reload")
	}
	if old.Database.Driver != next.Database.Driver ||
		old.Database.DSN != next.Database.DSN ||
		old.Database.BoltPath != next.Database.BoltPath {
		return fmt.Errorf("database settings cannot be changed during hot reload")
	}
	if old.ListenAddr != next.ListenAddr {
		return fmt.Errorf("listen_addr cannot be changed during hot reload")
	}
	return nil
}
