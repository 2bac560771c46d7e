package domain

import "time"

// User represents an account that can sign in with a username and password.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
