// Package config holds the immutable, validated configuration injected into
// every component at construction time. DESIGN NOTES §9: global mutable
// state (the source's DatabaseServices::databaseAllowReconnect and friends)
// moves here instead of package-level vars.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
)

// Worker describes one storage worker: its request/response service
// endpoint, its filesvc (remote file-copy) endpoint, and its local
// directories.
type Worker struct {
	Name        string `json:"name" validate:"required"`
	SvcHost     string `json:"svcHost" validate:"required"`
	SvcPort     int    `json:"svcPort" validate:"required,min=1,max=65535"`
	FileSvcHost string `json:"fileSvcHost" validate:"required"`
	FileSvcPort int    `json:"fileSvcPort" validate:"required,min=1,max=65535"`
	DataDir     string `json:"dataDir" validate:"required"`
	LoaderDir   string `json:"loaderDir" validate:"required"`
	Enabled     bool   `json:"enabled"`
}

// DatabaseFamily describes a set of databases sharing a chunking scheme and
// target replication level, per spec.md §3.
type DatabaseFamily struct {
	Name             string   `json:"name" validate:"required"`
	Databases        []string `json:"databases" validate:"required,min=1,dive,required"`
	NumStripes       int      `json:"numStripes" validate:"min=1"`
	NumSubStripes    int      `json:"numSubStripes" validate:"min=1"`
	ReplicationLevel int      `json:"replicationLevel" validate:"min=1"`
}

// Config is the whole-process configuration value. It is built once and
// passed by value/pointer to every constructor; nothing reads it from
// package-level globals or the environment after Load returns.
type Config struct {
	ControllerHost string `json:"controllerHost" validate:"required"`

	Workers         []Worker         `json:"workers" validate:"required,min=1,dive"`
	DatabaseFamilies []DatabaseFamily `json:"databaseFamilies" validate:"required,min=1,dive"`

	// RequestTrackInterval is T_track from §4.2.
	RequestTrackInterval time.Duration `json:"requestTrackInterval"`
	// RequestDefaultTimeout is used when a caller does not override it.
	RequestDefaultTimeout time.Duration `json:"requestDefaultTimeout"`

	// MaxConcurrentPerWorker bounds fan-out in FixUpJob/RebalanceJob (§4.4.2).
	MaxConcurrentPerWorker int `json:"maxConcurrentPerWorker" validate:"min=1"`

	// MaxLockRetryBudget bounds a job's self-restart count on lock contention.
	MaxLockRetryBudget int `json:"maxLockRetryBudget" validate:"min=0"`

	// ReconnectBackoffMin/Max bound the Messenger's per-worker backoff.
	ReconnectBackoffMin time.Duration `json:"reconnectBackoffMin"`
	ReconnectBackoffMax time.Duration `json:"reconnectBackoffMax"`

	// WorkerSendRatePerSec caps outbound messages per worker connection.
	WorkerSendRatePerSec float64 `json:"workerSendRatePerSec"`

	// DBPath is the SQLite file backing internal/services.
	DBPath string `json:"dbPath" validate:"required"`

	// NodeKeyEnv names the environment variable holding the node key used to
	// derive the KEK for internal/secrets envelope encryption.
	NodeKeyEnv string `json:"nodeKeyEnv"`
}

var validate = validator.New()

// Defaults returns a Config with every non-required field set to the value
// the reference controller would use absent an override.
func Defaults() Config {
	return Config{
		RequestTrackInterval:   5 * time.Second,
		RequestDefaultTimeout:  5 * time.Minute,
		MaxConcurrentPerWorker: 4,
		MaxLockRetryBudget:     1,
		ReconnectBackoffMin:    1 * time.Second,
		ReconnectBackoffMax:    30 * time.Second,
		WorkerSendRatePerSec:   50,
		NodeKeyEnv:             "SHARDCTL_NODE_KEY",
	}
}

// Load reads a JSON configuration file, overlays it onto Defaults(), and
// validates the result.
func Load(path string) (Config, error) {
	cfg := Defaults()
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Family looks up a database family by name.
func (c Config) Family(name string) (DatabaseFamily, bool) {
	for _, f := range c.DatabaseFamilies {
		if f.Name == name {
			return f, true
		}
	}
	return DatabaseFamily{}, false
}

// Worker looks up a worker by name.
func (c Config) Worker(name string) (Worker, bool) {
	for _, w := range c.Workers {
		if w.Name == name {
			return w, true
		}
	}
	return Worker{}, false
}

// EnabledWorkers returns the names of all enabled workers, sorted by the
// caller if order matters (tie-break rule 1 in §4.4 sorts alphabetically).
func (c Config) EnabledWorkers() []string {
	var names []string
	for _, w := range c.Workers {
		if w.Enabled {
			names = append(names, w.Name)
		}
	}
	return names
}

// AllWorkers returns the names of every configured worker, enabled or not.
func (c Config) AllWorkers() []string {
	names := make([]string, 0, len(c.Workers))
	for _, w := range c.Workers {
		names = append(names, w.Name)
	}
	return names
}
