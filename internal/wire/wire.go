// Package wire defines the JSON messages exchanged with collaboration
// clients. Every client message carries a discriminant "type" field and
// an optional correlation id "_id"; when "_id" is present the server
// answers with a response object echoing it. Messages without "_id" are
// broadcast-style and expect no reply.
//
// The package only decodes, validates and shapes messages. Session
// semantics (who may send what, rate limits, target existence) live in
// the session package.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Client message types.
const (
	TypePing                 = "__ping__"
	TypePong                 = "__pong__"
	TypeRegisterGraph        = "registerUserOnGraph"
	TypeDisconnectGraph      = "disconnectUserOnGraph"
	TypeRegisterNodeConfig   = "registerUserOnNodeConfig"
	TypeDisconnectNodeConfig = "disconnectUserOnNodeConfig"
	TypeApplyToGraph         = "applyInstructionToGraph"
	TypeApplyToNodeConfig    = "applyInstructionToNodeConfig"
	TypeGenerateUniqueID     = "generateUniqueId"
	TypeBatchCreate          = "batchCreateElements"
	TypeBatchDelete          = "batchDeleteElements"
	TypeCreateSheet          = "createSheet"
	TypeRenameSheet          = "renameSheet"
	TypeDeleteSheet          = "deleteSheet"
	TypeForceSave            = "forceSave"
	TypeToggleAutoSave       = "toggleAutoSave"
)

// Server-sent message types.
const (
	TypeSaveStatus               = "saveStatus"
	TypeDisconnectedOnGraph      = "disconnectedUserOnGraph"
	TypeDisconnectedOnNodeConfig = "disconnectedUserOnNodeConfig"
)

// ErrMalformed marks messages that fail JSON decoding or lack a type.
// Callers treat it as a protocol violation and close the socket;
// validation errors are ordinary replies instead.
var ErrMalformed = errors.New("malformed message")

// Head is the part of a client message the dispatcher reads before it
// knows the concrete type.
type Head struct {
	Type string `json:"type"`
	ID   string `json:"_id,omitempty"`
}

// Peek extracts the discriminant and correlation id from a raw message.
func Peek(raw []byte) (Head, error) {
	var h Head
	if err := json.Unmarshal(raw, &h); err != nil {
		return Head{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if h.Type == "" {
		return Head{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return h, nil
}

// Validator is implemented by request messages with schema rules.
type Validator interface {
	Validate() error
}

// Decode unmarshals raw into dst and runs its schema validation.
// Unmarshal failures come back wrapped in ErrMalformed; validation
// failures are returned as-is and are safe to echo to the client.
func Decode(raw []byte, dst Validator) error {
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return dst.Validate()
}

// StripCorrelationID returns raw without its "_id" field. History
// entries and fan-out copies use this form so receivers never see a
// correlation id that belongs to another client.
func StripCorrelationID(raw []byte) []byte {
	if !bytes.Contains(raw, []byte(`"_id"`)) {
		return raw
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return raw
	}
	if _, ok := m["_id"]; !ok {
		return raw
	}
	delete(m, "_id")
	out, err := json.Marshal(m)
	if err != nil {
		return raw
	}
	return out
}
