// Package wire implements the JSON envelope codec that frames every
// message exchanged over the agent control channel and the client
// inference socket: a tagged union of Request, Response, Error, and
// Notification, with unknown fields rejected on decode.
package wire

import (
	"encoding/json"
	"fmt"
)

// EnvelopeKind tags which of the four mutually exclusive envelope shapes a
// given Envelope carries.
type EnvelopeKind string

const (
	KindRequest      EnvelopeKind = "request"
	KindResponse     EnvelopeKind = "response"
	KindError        EnvelopeKind = "error"
	KindNotification EnvelopeKind = "notification"
)

// ErrorPayload is the {code, description} pair carried by an Error
// envelope.
type ErrorPayload struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

// Envelope is the tagged wire form carrying all WebSocket JSON-RPC messages
// in this system. Exactly one of Request/Response/Error/Notification is
// populated, selected by Kind.
type Envelope struct {
	Kind EnvelopeKind

	// Request and Response carry a request id; Error carries a nullable
	// request id since a malformed frame may fail before an id is known.
	ID        string
	RequestID *string

	Request      *InnerRequest
	Response     *InnerResponse
	ErrorPayload *ErrorPayload
	Notification *InnerNotification
}

// NewRequest builds a Request envelope.
func NewRequest(id string, req InnerRequest) Envelope {
	return Envelope{Kind: KindRequest, ID: id, Request: &req}
}

// NewResponse builds a Response envelope.
func NewResponse(id string, resp InnerResponse) Envelope {
	return Envelope{Kind: KindResponse, ID: id, Response: &resp}
}

// NewError builds an Error envelope. requestID may be nil when the frame
// that triggered the error could not be correlated to a request id.
func NewError(requestID *string, code int, description string) Envelope {
	return Envelope{
		Kind:         KindError,
		RequestID:    requestID,
		ErrorPayload: &ErrorPayload{Code: code, Description: description},
	}
}

// NewNotification builds a Notification envelope.
func NewNotification(n InnerNotification) Envelope {
	return Envelope{Kind: KindNotification, Notification: &n}
}

// IsTerminal reports whether this envelope is the terminal message for its
// request id, per the terminal predicate in §3: an Error is always
// terminal, and a Response is terminal per InnerResponse.IsTerminal.
func (e Envelope) IsTerminal() bool {
	switch e.Kind {
	case KindError:
		return true
	case KindResponse:
		return e.Response != nil && e.Response.IsTerminal()
	default:
		return false
	}
}

type envelopeWire struct {
	Kind         EnvelopeKind       `json:"kind"`
	ID           *string            `json:"id,omitempty"`
	RequestID    *string            `json:"request_id,omitempty"`
	Request      *InnerRequest      `json:"request,omitempty"`
	Response     *InnerResponse     `json:"response,omitempty"`
	Error        *ErrorPayload      `json:"error,omitempty"`
	Notification *InnerNotification `json:"notification,omitempty"`
}

// MarshalJSON encodes the envelope in its flat, single-kind wire form.
func (e Envelope) MarshalJSON() ([]byte, error) {
	w := envelopeWire{Kind: e.Kind}

	switch e.Kind {
	case KindRequest:
		if e.Request == nil {
			return nil, fmt.Errorf("wire: request envelope missing inner request")
		}
		w.ID = &e.ID
		w.Request = e.Request
	case KindResponse:
		if e.Response == nil {
			return nil, fmt.Errorf("wire: response envelope missing inner response")
		}
		w.ID = &e.ID
		w.Response = e.Response
	case KindError:
		if e.ErrorPayload == nil {
			return nil, fmt.Errorf("wire: error envelope missing error payload")
		}
		w.RequestID = e.RequestID
		w.Error = e.ErrorPayload
	case KindNotification:
		if e.Notification == nil {
			return nil, fmt.Errorf("wire: notification envelope missing inner notification")
		}
		w.Notification = e.Notification
	default:
		return nil, fmt.Errorf("wire: unknown envelope kind %q", e.Kind)
	}

	return json.Marshal(w)
}

// UnmarshalJSON decodes an envelope, rejecting both unknown top-level
// fields and fields absent from the chosen kind (e.g. a "response" key
// alongside kind "request").
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeWire
	if err := strictUnmarshal(data, &w); err != nil {
		return err
	}

	e.Kind = w.Kind
	switch w.Kind {
	case KindRequest:
		if w.ID == nil || w.Request == nil {
			return fmt.Errorf("wire: request envelope requires id and request")
		}
		if w.Response != nil || w.Error != nil || w.Notification != nil || w.RequestID != nil {
			return fmt.Errorf("wire: request envelope has fields from another kind")
		}
		e.ID = *w.ID
		e.Request = w.Request
	case KindResponse:
		if w.ID == nil || w.Response == nil {
			return fmt.Errorf("wire: response envelope requires id and response")
		}
		if w.Request != nil || w.Error != nil || w.Notification != nil || w.RequestID != nil {
			return fmt.Errorf("wire: response envelope has fields from another kind")
		}
		e.ID = *w.ID
		e.Response = w.Response
	case KindError:
		if w.Error == nil {
			return fmt.Errorf("wire: error envelope requires error")
		}
		if w.Request != nil || w.Response != nil || w.Notification != nil || w.ID != nil {
			return fmt.Errorf("wire: error envelope has fields from another kind")
		}
		e.RequestID = w.RequestID
		e.ErrorPayload = w.Error
	case KindNotification:
		if w.Notification == nil {
			return fmt.Errorf("wire: notification envelope requires notification")
		}
		if w.Request != nil || w.Response != nil || w.Error != nil || w.ID != nil || w.RequestID != nil {
			return fmt.Errorf("wire: notification envelope has fields from another kind")
		}
		e.Notification = w.Notification
	default:
		return fmt.Errorf("wire: unknown envelope kind %q", w.Kind)
	}

	return nil
}

// ToString renders the envelope as a single line of JSON suitable for a
// WebSocket text frame.
func (e Envelope) ToString() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeEnvelope parses a single WebSocket text frame into an Envelope.
func DecodeEnvelope(data []byte) (Envelope, error) {
	var e Envelope
	err := json.Unmarshal(data, &e)
	return e, err
}
