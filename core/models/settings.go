package models

import "time"

// UserSettings holds a requester's persisted transcription preferences
type UserSettings struct {
	UserID    int64
	Username  string
	Model     string
	Language  string
	UpdatedAt time.Time
}
