package models

import "time"

// User owns sessions and may link device-local session ids.
type User struct {
	ID        string
	Name      string
	Email     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
