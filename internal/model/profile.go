package model

import "time"

// AccessStatus is the admin-controlled approval state of a user.
type AccessStatus string

const (
	AccessPending  AccessStatus = "pending"
	AccessApproved AccessStatus = "approved"
	AccessBlocked  AccessStatus = "blocked"
)

// Valid reports whether s is a known status.
func (s AccessStatus) Valid() bool {
	switch s {
	case AccessPending, AccessApproved, AccessBlocked:
		return true
	}
	return false
}

// Profile is the per-user record that carries the access status.
type Profile struct {
	UserID    string       `json:"user_id" db:"user_id"`
	Email     string       `json:"email" db:"email"`
	Status    AccessStatus `json:"status" db:"status"`
	UpdatedAt time.Time    `json:"updated_at" db:"updated_at"`
}
