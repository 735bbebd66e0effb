package api

import "time"

// ReportResponse is the JSON body returned by sync and cleanup endpoints.
type ReportResponse struct {
	Synced           bool     `json:"synced"`
	Changes          []string `json:"changes"`
	DuplicatesFound  int      `json:"duplicates_found"`
	DuplicatesHealed int      `json:"duplicates_healed"`
}

// MessageResponse is the JSON body returned by admin mutations.
type MessageResponse struct {
	Message string `json:"message"`
	Warning string `json:"warning,omitempty"`
}

// WebhookLogEntry is one row of the webhook audit tail.
type WebhookLogEntry struct {
	EventID     string     `json:"event_id"`
	Type        string     `json:"type"`
	ReceivedAt  time.Time  `json:"received_at"`
	PayloadHash string     `json:"payload_hash"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// ErrorResponse is the JSON body for error statuses.
type ErrorResponse struct {
	Error string `json:"error"`
}
