package renkei

import (
	"io/fs"
	"log/slog"
	"time"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	logger          *slog.Logger
	version         string
	databaseURL     string
	registry        Registry
	maxCycles       int
	taskTimeout     time.Duration
	cycleInterval   time.Duration
	extraMigrations []fs.FS
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and telemetry.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var). An empty string in both places disables
// durable persistence; the runtime then keeps all records in memory.
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithRegistry sets the agent registry the supervisor dispatches from.
// Without one the loop runs empty cycles and the bus knows no
// recipients.
func WithRegistry(r Registry) Option {
	return func(o *resolvedOptions) { o.registry = r }
}

// WithMaxCycles overrides the run length from config (RENKEI_MAX_CYCLES).
func WithMaxCycles(n int) Option {
	return func(o *resolvedOptions) { o.maxCycles = n }
}

// WithTaskTimeout overrides the per-task deadline from config
// (RENKEI_TASK_TIMEOUT).
func WithTaskTimeout(d time.Duration) Option {
	return func(o *resolvedOptions) { o.taskTimeout = d }
}

// WithCycleInterval overrides the pause between cycles from config
// (RENKEI_CYCLE_INTERVAL).
func WithCycleInterval(d time.Duration) Option {
	return func(o *resolvedOptions) { o.cycleInterval = d }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the embedded migrations. Multiple filesystems may be registered;
// they are applied in registration order.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
