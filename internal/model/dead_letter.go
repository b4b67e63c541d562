package model

import "time"

// DeadLetter is a snapshot of a message whose retries were exhausted.
type DeadLetter struct {
	ID            string    `json:"id"`
	MessageID     string    `json:"messageId"`
	Channel       Channel   `json:"channel"`
	Content       Content   `json:"content"`
	Attempts      int       `json:"attempts"`
	ErrorCode     string    `json:"errorCode,omitempty"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	LastException *string   `json:"lastException,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
}
