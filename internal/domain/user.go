package domain

import "time"

// User is an anonymous operator identity, keyed by device cookie.
type User struct {
	UserID     string
	Username   string
	LastSeenAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
