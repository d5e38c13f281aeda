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

// ReloadCallback is invoked with the previous and the freshly loaded
// configuration. Returning an error keeps the previous configuration.
type ReloadCallback func(old, new *Config) error

// ConfigReloader reloads the configuration file on change or SIGHUP.
type ConfigReloader struct {
	path    string
	logger  *logrus.Logger
	watcher *fsnotify.Watcher
	signals chan os.Signal
	stop    chan struct{}
	once    sync.Once

	mu       sync.RWMutex
	current  *Config
	onReload ReloadCallback
}

// NewConfigReloader creates a reloader for path. An empty path disables file
// watching; SIGHUP is always handled.
func NewConfigReloader(path string, cfg *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		current: cfg,
		signals: make(chan os.Signal, 1),
		stop:    make(chan struct{}),
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// Watch the directory so editors that replace the file by rename are seen.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.signals, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback registers the function applied on every successful reload.
func (r *ConfigReloader) SetOnReloadCallback(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = cb
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg := *r.current
	return &cfg
}

// Start processes reload triggers until Stop is called.
func (r *ConfigReloader) Start() {
	var events <-chan fsnotify.Event
	var errs <-chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}

	target := filepath.Clean(r.path)
	var debounce <-chan time.Time

	for {
		select {
		case <-r.stop:
			return
		case <-r.signals:
			r.logger.Info("Received SIGHUP, reloading configuration")
			r.reload()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			debounce = time.After(50 * time.Millisecond)
		case <-debounce:
			debounce = nil
			r.logger.WithField("path", r.path).Info("Configuration file changed, reloading")
			r.reload()
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.logger.WithError(err).Warn("Configuration watcher error")
		}
	}
}

// Stop ends Start and releases the watcher and signal handler.
func (r *ConfigReloader) Stop() {
	r.once.Do(func() {
		signal.Stop(r.signals)
		close(r.stop)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) reload() {
	newCfg, err := LoadConfig(r.path)
	if err != nil {
		r.logger.WithError(err).Error("Failed to reload configuration, keeping current")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current
	if err := r.validateReloadSafety(old, newCfg); err != nil {
		r.logger.WithError(err).Error("Rejected configuration reload")
		return
	}
	if r.onReload != nil {
		if err := r.onReload(old, newCfg); err != nil {
			r.logger.WithError(err).Error("Reload callback failed, keeping current configuration")
			return
		}
	}
	r.current = newCfg
	r.logger.WithFields(logrus.Fields{
		"log_level":  newCfg.LogLevel,
		"rate_limit": newCfg.RateLimit.Enabled,
	}).Info("Configuration reloaded")
}

// validateReloadSafety rejects changes that would require restarting the
// node: its identity, the storage backend, and the history database.
func (r *ConfigReloader) validateReloadSafety(old, new *Config) error {
	if old.Identity.Dir != new.Identity.Dir {
		return fmt.Errorf("identity.dir cannot be changed during hot reload")
	}
	if old.Identity.Passphrase != new.Identity.Passphrase {
		return fmt.Errorf("identity.passphrase cannot be changed during hot reload")
	}
	if old.Storage.Backend != new.Storage.Backend {
		return fmt.Errorf("storage.backend cannot be changed during hot reload")
	}
	if old.Storage.S3.Bucket != new.Storage.S3.Bucket {
		return fmt.Errorf("storage.s3.bucket cannot be changed during hot reload")
	}
	if old.History.Path != new.History.Path {
		return fmt.Errorf("history.path cannot be changed during hot reload")
	}
	if old.PeerListenAddr != new.PeerListenAddr {
		return fmt.Errorf("peer_listen_addr cannot be changed during hot reload")
	}
	return nil
}
