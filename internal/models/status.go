package models

import "time"

// Badge is the one-word sync status shown next to an account.
type Badge string

const (
	BadgeOffline Badge = "Offline"
	BadgeFailed  Badge = "Failed"
	BadgeSyncing Badge = "Syncing"
	BadgeReady   Badge = "Ready"
)

// SyncStatus is the read model the UI polls for an account.
type SyncStatus struct {
	AccountID        string        `json:"accountId"`
	IsOnline         bool          `json:"isOnline"`
	IsRunning        bool          `json:"isRunning"`
	State            string        `json:"state"`
	Badge            Badge         `json:"badge"`
	NextSyncIn       time.Duration `json:"nextSyncIn"`
	LastError        string        `json:"lastError,omitempty"`
	LastSyncAt       time.Time     `json:"lastSyncAt,omitempty"`
	PendingConflicts int           `json:"pendingConflicts"`
	QueueDepth       int           `json:"queueDepth"`
	NeedsAttention   int           `json:"needsAttention"`
}
