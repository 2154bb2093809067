package cmd

// Options holds the shared command-line options for the stalebot CLI.
type Options struct {
	ConfigPath string
	Format     string
	Verbosity  int
	LogFormat  string
	TUI        *bool // nil = auto-detect, true = force TUI, false = disable TUI

	// Run options. Each is OR-ed with the matching config value.
	DryRun   bool
	Archive  bool
	Comments bool

	// History and stats listing options
	Since string
	Limit int

	// Addr is the dashboard listen address.
	Addr string

	// Profiling options
	CPUProfile string // Write CPU profile to file
	MemProfile string // Write memory profile to file
	Trace      string // Write execution trace to file
}

// Option is a functional option for configuring Options.
type Option func(*Options)

// NewOptions creates a new Options with defaults and applies any provided options.
func NewOptions(opts ...Option) *Options {
	o := &Options{
		Format:    "table",
		LogFormat: "text",
		Limit:     10,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithConfigPath reads only the given config file.
func WithConfigPath(path string) Option {
	return func(o *Options) {
		o.ConfigPath = path
	}
}

// WithFormat sets the output format (table, json).
func WithFormat(format string) Option {
	return func(o *Options) {
		o.Format = format
	}
}

// WithVerbosity sets the verbosity level.
func WithVerbosity(v int) Option {
	return func(o *Options) {
		o.Verbosity = v
	}
}

// WithLogFormat sets the log handler format (text, json).
func WithLogFormat(format string) Option {
	return func(o *Options) {
		o.LogFormat = format
	}
}

// WithTUI controls TUI mode (nil = auto-detect, true = force, false = disable).
func WithTUI(tui *bool) Option {
	return func(o *Options) {
		o.TUI = tui
	}
}

// WithDryRun replaces every mutation with a logged no-op.
func WithDryRun(dryRun bool) Option {
	return func(o *Options) {
		o.DryRun = dryRun
	}
}

// WithArchive forces archiving on.
func WithArchive(archive bool) Option {
	return func(o *Options) {
		o.Archive = archive
	}
}

// WithComments forces reminder comments on.
func WithComments(comments bool) Option {
	return func(o *Options) {
		o.Comments = comments
	}
}

// WithSince sets the history window (e.g., "1w", "30d", "6mo").
func WithSince(since string) Option {
	return func(o *Options) {
		o.Since = since
	}
}

// WithLimit sets how many run snapshots are listed.
func WithLimit(limit int) Option {
	return func(o *Options) {
		o.Limit = limit
	}
}

// WithAddr sets the dashboard listen address.
func WithAddr(addr string) Option {
	return func(o *Options) {
		o.Addr = addr
	}
}

// WithCPUProfile sets the CPU profile output file.
func WithCPUProfile(path string) Option {
	return func(o *Options) {
		o.CPUProfile = path
	}
}

// WithMemProfile sets the memory profile output file.
func WithMemProfile(path string) Option {
	return func(o *Options) {
		o.MemProfile = path
	}
}

// WithTrace sets the execution trace output file.
func WithTrace(path string) Option {
	return func(o *Options) {
		o.Trace = path
	}
}
