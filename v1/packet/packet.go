// Package packet defines the message envelope exchanged through the broker.
// Application messages embed Header to become a Message.
package packet

import "github.com/google/uuid"

// Message is implemented by every value that travels through the broker.
type Message interface {
	Meta() *Header
}

// Header carries routing metadata. ID is the correlation identifier shared by
// a request and its reply.
type Header struct {
	ID     string `json:"id,omitempty"`
	Source string `json:"source,omitempty"`
	Target string `json:"target,omitempty"`
}

// NewHeader returns a Header with a fresh correlation identifier.
func NewHeader() Header {
	return Header{ID: uuid.NewString()}
}

// Meta implements Message.
func (h *Header) Meta() *Header { return h }

// PointAt turns h into the reply of req: it takes over the request's
// correlation id and targets the request's sender.
func (h *Header) PointAt(req Message) {
	rh := req.Meta()
	h.ID = rh.ID
	h.Target = rh.Source
}

// Stamp fills the identity and correlation id when absent.
func (h *Header) Stamp(identity string) {
	if h.Source == "" {
		h.Source = identity
	}
	if h.ID == "" {
		h.ID = uuid.NewString()
	}
}
