package mentormind

import "log/slog"

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all overrides after applying defaults.
// Unexported; callers use the With* functions.
type resolvedOptions struct {
	port        int
	databaseURL string
	llmBaseURL  string
	logger      *slog.Logger
	version     string
}

// WithPort overrides the TCP port from config (MENTORMIND_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLLMBaseURL overrides the OpenAI-compatible endpoint from config
// (MENTORMIND_LLM_BASE_URL env var). Useful for pointing tests at a stub.
func WithLLMBaseURL(url string) Option {
	return func(o *resolvedOptions) { o.llmBaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}
