// Package constants provides a centralized location for the defaults and
// limits used throughout stalebot.
package constants

import "time"

// TUI update and display constants
const (
	// TUIUpdateInterval is the minimum time between TUI progress updates.
	TUIUpdateInterval = 50 * time.Millisecond

	// LogThrottlePercent is the interval (in percent) at which progress
	// logs are emitted when not using the TUI.
	LogThrottlePercent = 10
)

// Configuration defaults.
const (
	DefaultPlatform                = "gitlab"
	DefaultStaleDays               = 30
	DefaultCleanupWeeks            = 4
	DefaultMaxWorkers              = 4
	DefaultNotificationFrequency   = 7
	DefaultMRCommentInactivityDays = 14
	DefaultMRCommentFrequencyDays  = 7
	DefaultRequestTimeoutSeconds   = 30
	DefaultSMTPPort                = 587
	DefaultArchiveFolder           = "./archived_branches"
	DefaultDatabasePath            = "./notification_history.db"
	DefaultDashboardAddr           = "127.0.0.1:8080"
	DefaultDashboardUsername       = "admin"
)

// Worker pool bounds. Values outside are clamped.
const (
	MinWorkers = 1
	MaxWorkers = 32
)

// SMTPTimeout bounds a single message delivery.
const SMTPTimeout = 30 * time.Second
