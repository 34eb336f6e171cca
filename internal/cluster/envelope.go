// Package cluster coordinates graph ownership across servers. Every
// server registers itself in the shared registry collection, discovers
// live peers from it and connects two TCP channels to each: a publish
// channel carrying ownership broadcasts and a direct channel carrying
// request/response traffic. The ownership map built from broadcasts
// lets the session layer route clients to whichever server already
// holds an instance in memory.
package cluster

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope kinds.
const (
	EnvelopeBroadcast = "broadcast"
	EnvelopeDirect    = "direct"
	EnvelopeResponse  = "response"
)

// Payload operations.
const (
	OpManageInstance  = "manageInstance"
	OpReleaseInstance = "releaseInstance"
	OpHello           = "hello"
	OpPing            = "ping"
	OpOwnerOf         = "ownerOf"
)

// Envelope frames every cluster message. Responses echo the request ID
// in ResponseID so the direct client can match them to waiting callers.
type Envelope struct {
	ID         string          `json:"id"`
	SenderID   string          `json:"senderId"`
	TargetID   string          `json:"targetId,omitempty"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  int64           `json:"timestamp"`
	ResponseID string          `json:"responseId,omitempty"`
}

// Payload is the body shared by all cluster operations. Op selects the
// operation; the other fields are op-specific and stay empty otherwise.
type Payload struct {
	Op          string `json:"op"`
	InstanceKey string `json:"instanceKey,omitempty"`
	// ClaimedAt is the unix-millisecond time the sender inserted the
	// claim into its own map. Re-assertions repeat the original value,
	// so receivers can always tell which of two claims came first.
	ClaimedAt int64  `json:"claimedAt,omitempty"`
	PeerID    string `json:"peerId,omitempty"`
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	OwnerID   string `json:"ownerId,omitempty"`
	Owned     bool   `json:"owned,omitempty"`
	OK        bool   `json:"ok,omitempty"`
}

// NewBroadcast builds a publish-channel envelope.
func NewBroadcast(senderID string, p Payload) *Envelope {
	return newEnvelope(EnvelopeBroadcast, senderID, "", p)
}

// NewDirect builds a direct-channel request envelope.
func NewDirect(senderID, targetID string, p Payload) *Envelope {
	return newEnvelope(EnvelopeDirect, senderID, targetID, p)
}

// NewResponse builds a reply to req.
func NewResponse(req *Envelope, senderID string, p Payload) *Envelope {
	env := newEnvelope(EnvelopeResponse, senderID, req.SenderID, p)
	env.ResponseID = req.ID
	return env
}

func newEnvelope(typ, senderID, targetID string, p Payload) *Envelope {
	raw, err := json.Marshal(p)
	if err != nil {
		// Payload is a plain struct of scalars; this cannot fail.
		panic(err)
	}
	return &Envelope{
		ID:        uuid.New().String(),
		SenderID:  senderID,
		TargetID:  targetID,
		Type:      typ,
		Payload:   raw,
		Timestamp: time.Now().UnixMilli(),
	}
}

// DecodePayload unmarshals the payload body.
func (e *Envelope) DecodePayload() (Payload, error) {
	var p Payload
	if len(e.Payload) == 0 {
		return p, fmt.Errorf("envelope %s has no payload", e.ID)
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("failed to decode payload: %w", err)
	}
	return p, nil
}
