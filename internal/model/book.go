package model

import "encoding/json"

// Section is a single HTML-bearing content unit. It is forwarded to the
// remote service exactly as received.
type Section = json.RawMessage

// PublishRequest represents the book submitted for publishing
type PublishRequest struct {
	Title       string    `json:"title" validate:"required,max=512"`
	Description string    `json:"description" validate:"max=4096"`
	Sections    []Section `json:"sections" validate:"required,min=1"`
}

// PublishResponse is the remote answer to POST /books
type PublishResponse struct {
	ID json.RawMessage `json:"id"`
}

// PublishAccepted is returned by the HTTP API when a publish was started
type PublishAccepted struct {
	OrchestrationID string `json:"orchestrationId"`
	Phase           Phase  `json:"phase"`
	Replaced        bool   `json:"replaced"`
}
