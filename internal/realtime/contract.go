package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Wire contract v1. Envelopes travel over the websocket; operations that do
// not stream use POST /graphql with a Request body.
const (
	Version     = 1
	Subprotocol = "plansync.realtime.v1"

	QueryPath     = "/graphql"
	SubscribePath = "/graphql/ws"

	TypeSubscribe = "subscribe"
	TypeNext      = "next"
	TypeError     = "error"
	TypeComplete  = "complete"
	TypePing      = "ping"
	TypePong      = "pong"
)

// AllowedTypes lists every envelope type a v1 peer may send.
var AllowedTypes = map[string]struct{}{
	TypeSubscribe: {},
	TypeNext:      {},
	TypeError:     {},
	TypeComplete:  {},
	TypePing:      {},
	TypePong:      {},
}

// Resolver error codes.
const (
	CodeUnauthorized = "UNAUTHORIZED"
	CodeForbidden    = "FORBIDDEN"
	CodeBadInput     = "BAD_USER_INPUT"
	CodeNotFound     = "NOT_FOUND"
	CodeInternal     = "INTERNAL"
)

// Operation names served by the realtime API.
const (
	OpWhoAmI                 = "whoami"
	OpNotifications          = "notifications"
	OpMarkNotificationRead   = "markNotificationRead"
	OpRespondInvitation      = "respondInvitation"
	OpInviteUser             = "inviteUser"
	OpPlanCollaborators      = "planCollaborators"
	OpUpdateCollaboratorRole = "updateCollaboratorRole"
	OpRemoveCollaborator     = "removeCollaborator"
	OpInvitationReceived     = "invitationReceived"
)

type Envelope struct {
	V       int             `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id"`
	TS      time.Time       `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func (e Envelope) Validate() error {
	if e.V != Version {
		return fmt.Errorf("invalid protocol version: got=%d want=%d", e.V, Version)
	}
	if e.Type == "" {
		return errors.New("missing type")
	}
	if _, ok := AllowedTypes[e.Type]; !ok {
		return fmt.Errorf("unsupported type: %s", e.Type)
	}
	if e.ID == "" {
		return errors.New("missing id")
	}
	if e.TS.IsZero() {
		return errors.New("missing ts")
	}
	if e.Payload == nil {
		return errors.New("missing payload")
	}
	return nil
}

// Request names an operation and its variables. It is the POST body and the
// payload of a subscribe envelope.
type Request struct {
	OperationName string         `json:"operationName"`
	Variables     map[string]any `json:"variables,omitempty"`
}

// Response is the POST reply and the payload of a next envelope.
type Response struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []GraphError    `json:"errors,omitempty"`
}

// GraphError is a resolver-level error.
type GraphError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e GraphError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return e.Code + ": " + e.Message
}

// ErrorPayload is carried by error envelopes.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewEnvelope stamps a v1 envelope.
func NewEnvelope(typ, id string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	return Envelope{V: Version, Type: typ, ID: id, TS: time.Now().UTC(), Payload: raw}, nil
}
