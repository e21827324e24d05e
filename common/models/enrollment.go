package models

import (
	"time"
)

// BootstrapToken is the single reusable secret that authenticates first
// contact from a new node. Only the hash is stored.
type BootstrapToken struct {
	ID                string    `json:"id"`
	Hash              string    `json:"-"`
	IsEnabled         bool      `json:"is_enabled"`
	AutoApprove       bool      `json:"auto_approve"`
	CreatedAt         time.Time `json:"created_at"`
	LastRegeneratedAt time.Time `json:"last_regenerated_at"`
}

// EnrollmentStatus is the state of a node enrollment request.
type EnrollmentStatus string

const (
	EnrollmentPending  EnrollmentStatus = "pending"
	EnrollmentApproved EnrollmentStatus = "approved"
	EnrollmentRejected EnrollmentStatus = "rejected"
	EnrollmentExpired  EnrollmentStatus = "expired"
	EnrollmentBlocked  EnrollmentStatus = "blocked"
	EnrollmentFailed   EnrollmentStatus = "failed"
)

// Enrollment records a node's request to join the mesh.
type Enrollment struct {
	ID                    string           `json:"id"`
	NodeID                string           `json:"node_id"`
	NodeName              string           `json:"node_name"`
	PublicKey             string           `json:"public_key,omitempty"`
	RequestedCapabilities []string         `json:"requested_capabilities,omitempty"`
	Status                EnrollmentStatus `json:"status"`
	CreatedAt             time.Time        `json:"created_at"`
	DecidedAt             *time.Time       `json:"decided_at,omitempty"`
}

// APIToken authenticates an external API caller.
type APIToken struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Hash       string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}
