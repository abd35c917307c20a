package http

import (
	"github.com/scopekit/scopes/event"
	"github.com/scopekit/scopes/vclock"
)

// Wire DTOs for the batch sync endpoints. Stored events serialize with
// their full metadata so the receiving device can replicate them
// byte-for-byte.

// EventBatch is the body of POST /v1/events and the response of
// GET /v1/events.
type EventBatch struct {
	Events []event.StoredEvent `json:"events"`
}

// PushResponse reports how many events the peer accepted. Accepted can
// be lower than the batch size when the peer already knew some events.
type PushResponse struct {
	Accepted int `json:"accepted"`
}

// ClockResponse is the body of GET /v1/clock: the device's identity and
// its current vector clock.
type ClockResponse struct {
	DeviceID string       `json:"device_id"`
	Clock    vclock.Clock `json:"clock"`
}

// ErrorResponse is the body of any non-2xx response.
type ErrorResponse struct {
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}
