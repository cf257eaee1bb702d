package models

import "time"

// SessionState represents the health state of a pooled browser session
type SessionState string

const (
	StateFresh    SessionState = "FRESH"
	StateActive   SessionState = "ACTIVE"
	StateIdle     SessionState = "IDLE"
	StateDegraded SessionState = "DEGRADED"
	StateDead     SessionState = "DEAD"
)

// SessionInfo is the introspection view of one pooled session
type SessionInfo struct {
	ID             string       `json:"id"`
	State          SessionState `json:"state"`
	CredentialSlot int          `json:"credentialSlot"`
	CreatedAt      time.Time    `json:"createdAt"`
	LastUsedAt     time.Time    `json:"lastUsedAt"`
	Requests       uint64       `json:"requests"`
}

// PoolStats summarizes pool occupancy for the introspection endpoint
type PoolStats struct {
	Capacity int           `json:"capacity"`
	Live     int           `json:"live"`
	Idle     int           `json:"idle"`
	Waiting  int           `json:"waiting"`
	Sessions []SessionInfo `json:"sessions"`
}
