// internal/membership/domain.go
package membership

import (
	"github.com/google/uuid"
)

// Status is a member's standing with the library.
type Status string

const (
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusExpired   Status = "expired"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusSuspended, StatusExpired:
		return true
	}
	return false
}

// Member represents a library member.
type Member struct {
	ID     uuid.UUID `json:"id" db:"id"`
	Name   string    `json:"name" db:"name"`
	Status Status    `json:"status" db:"status"`
}

// IsActive reports whether the member is in good standing.
func (m Member) IsActive() bool {
	return m.Status == StatusActive
}
