package models

import "time"

// User is one of the configured accounts with its last known presence.
type User struct {
	Username    string     `db:"username" json:"username"`
	DisplayName string     `db:"display_name" json:"display_name"`
	IsOnline    bool       `db:"is_online" json:"is_online"`
	LastSeen    *time.Time `db:"last_seen" json:"last_seen,omitempty"`
}

// Presence is the live online state of a user.
type Presence struct {
	Username string     `json:"username"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}
