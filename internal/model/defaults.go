package model

import "time"

// Record file names inside a lab's hints directory.
const (
	CommandsFileName     = "commands.json"
	HeartbeatFileName    = "heartbeat.json"
	UserInputFileName    = "user_input.json"
	AcksFileName         = "acks.json"
	CurrentHintsFileName = "current_hints.json"
	HintsHistoryFileName = "hints_history.jsonl"
)

// Shared defaults used by both the server and CLI binaries.
const (
	DefaultLogSuffix            = ".log"
	DefaultNotificationCooldown = 300 * time.Second
	DefaultCrashTimeout         = 30 * time.Second
	DefaultHeartbeatInterval    = 5 * time.Second
	DefaultMaxAnomalies         = 1000
	DefaultShutdownTimeout      = 5 * time.Second
	DefaultPriority             = "normal"

	// MaxCurrentHints caps the unresolved working set.
	MaxCurrentHints = 10

	// CrashCooldownKey is the fixed notification key for controller crashes.
	CrashCooldownKey = "controller_crash"
)
