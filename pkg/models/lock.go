package models

import "time"

// LockMode is exclusive or shared access to a named resource (spec §3, §4.1).
type LockMode string

const (
	LockModeExclusive LockMode = "exclusive"
	LockModeShared    LockMode = "shared"
)

// ResourceLock is a granted hold on a named resource.
type ResourceLock struct {
	Name       string    `json:"name"`
	Mode       LockMode  `json:"mode"`
	HolderID   string    `json:"holder_id"`
	Priority   Priority  `json:"priority"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}
