package config

import "sync"

// Holder provides thread-safe access to the live *Config of a running
// server and the file it was loaded from. The serve command and its SIGHUP
// handler share one Holder so a reload updates config in exactly one place.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Config
	path string // immutable after construction
}

// NewHolder creates a Holder with the initial config and config file path.
func NewHolder(cfg *Config, path string) *Holder {
	return &Holder{
		cfg:  cfg,
		path: path,
	}
}

// Config returns the current config snapshot.
func (h *Holder) Config() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Path returns the config file path.
func (h *Holder) Path() string {
	return h.path
}

// CarryPaths copies the paths resolved at startup (entries root, index
// database, log file) from the current config into next and returns the
// current config. Those paths may come from flags or the environment, which
// a reload does not re-read, and changing them needs a restart anyway.
func (h *Holder) CarryPaths(next *Config) *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()

	next.Entries.Root = h.cfg.Entries.Root
	next.Index.DBPath = h.cfg.Index.DBPath
	next.Logging.LogFile = h.cfg.Logging.LogFile

	return h.cfg
}

// Update replaces the config.
func (h *Holder) Update(cfg *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cfg = cfg
}
