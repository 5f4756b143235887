package client

import "github.com/loykin/sidekeeper/internal/status"

// PortResponse is the body of GET /api/port.
type PortResponse struct {
	Port uint16 `json:"port"`
}

// RestartResponse is the body of POST /api/restart. Queued is false when the
// request was coalesced into one already pending.
type RestartResponse struct {
	OK     bool `json:"ok"`
	Queued bool `json:"queued"`
}

// StatusResponse is the body of GET /api/status. Status is nil until the
// first transition has been published.
type StatusResponse struct {
	Status  *status.Status `json:"status"`
	Healthy bool           `json:"healthy"`
	Port    uint16         `json:"port"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
