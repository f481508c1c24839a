package domain

import (
	"context"
	"strings"
)

// Attachment is a binary payload on an inbound or outbound message.
type Attachment struct {
	Name     string `json:"name"`
	MIMEType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
	Data     []byte `json:"data,omitempty"`
}

// IsImage reports whether the attachment carries an image.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MIMEType, "image/")
}

// InboundTurn is a user message delivered by a transport.
type InboundTurn struct {
	MessageID      string       `json:"message_id,omitempty"`
	ParticipantID  string       `json:"participant_id"`
	ConversationID string       `json:"conversation_id"`
	Text           string       `json:"text"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Segment is one bounded-length chunk of a reply.
type Segment struct {
	Index    int    `json:"index"`
	Total    int    `json:"total"`
	Text     string `json:"text"`
	Title    string `json:"title,omitempty"`
	Footer   string `json:"footer,omitempty"`
	Metadata string `json:"metadata,omitempty"`
}

// IsFirst reports whether the segment opens the reply.
func (s Segment) IsFirst() bool { return s.Index == 0 }

// IsLast reports whether the segment closes the reply.
func (s Segment) IsLast() bool { return s.Index == s.Total-1 }

// FormattedResponse is the delivery-ready reply for one turn.
type FormattedResponse struct {
	Segments    []Segment    `json:"segments"`
	Attachments []Attachment `json:"-"`
	Truncated   bool         `json:"truncated,omitempty"`
	IsError     bool         `json:"is_error,omitempty"`
}

// TurnHandlerFunc is the callback a transport invokes for each inbound turn.
type TurnHandlerFunc func(ctx context.Context, turn InboundTurn) (*FormattedResponse, error)

// Channel is the interface for user-facing transports.
type Channel interface {
	Start(ctx context.Context, handler TurnHandlerFunc) error
	Stop(ctx context.Context) error
	Name() string
}
