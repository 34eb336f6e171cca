package wire

import "encoding/json"

// Result is the _response body attached to every correlated reply.
type Result struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// Ack is the reply for requests with no extra payload.
type Ack struct {
	ID       string `json:"_id,omitempty"`
	Response Result `json:"_response"`
}

func NewAck(id string) Ack {
	return Ack{ID: id, Response: Result{OK: true}}
}

func NewError(id, message string) Ack {
	return Ack{ID: id, Response: Result{OK: false, Message: message}}
}

// RegisterResponse carries the catch-up backlog for a fresh
// registration. MissingMessages holds raw client messages in arrival
// order, correlation ids stripped.
type RegisterResponse struct {
	ID              string            `json:"_id,omitempty"`
	Response        Result            `json:"_response"`
	MissingMessages []json.RawMessage `json:"missingMessages"`
}

func NewRegisterResponse(id string, missing []json.RawMessage) RegisterResponse {
	if missing == nil {
		missing = []json.RawMessage{}
	}
	return RegisterResponse{ID: id, Response: Result{OK: true}, MissingMessages: missing}
}

// RedirectInfo names the peer that owns the requested instance.
type RedirectInfo struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

// RedirectResponse tells a client to reconnect to the owning peer.
type RedirectResponse struct {
	ID       string       `json:"_id,omitempty"`
	Response Result       `json:"_response"`
	Redirect RedirectInfo `json:"redirect"`
}

func NewRedirect(id, host string, port int) RedirectResponse {
	return RedirectResponse{
		ID:       id,
		Response: Result{OK: false, Message: "handled elsewhere"},
		Redirect: RedirectInfo{Host: host, Port: port},
	}
}

// UniqueIDResponse returns the local keys allocated by generateUniqueId.
type UniqueIDResponse struct {
	ID       string   `json:"_id,omitempty"`
	Response Result   `json:"_response"`
	IDs      []string `json:"ids"`
}

func NewUniqueIDResponse(id string, ids []string) UniqueIDResponse {
	if ids == nil {
		ids = []string{}
	}
	return UniqueIDResponse{ID: id, Response: Result{OK: true}, IDs: ids}
}

// SaveStatus announces an instance's persistence state to its users.
type SaveStatus struct {
	Type              string `json:"type"`
	LastSaveTime      int64  `json:"lastSaveTime"`
	HasUnsavedChanges bool   `json:"hasUnsavedChanges"`
	AutoSaveEnabled   bool   `json:"autoSaveEnabled"`
}

func NewSaveStatus(lastSaveTime int64, hasUnsavedChanges, autoSaveEnabled bool) SaveStatus {
	return SaveStatus{
		Type:              TypeSaveStatus,
		LastSaveTime:      lastSaveTime,
		HasUnsavedChanges: hasUnsavedChanges,
		AutoSaveEnabled:   autoSaveEnabled,
	}
}

// UserDisconnected announces that a peer left the instance. Type is
// TypeDisconnectedOnGraph or TypeDisconnectedOnNodeConfig.
type UserDisconnected struct {
	Type   string `json:"type"`
	UserID string `json:"userId"`
}

func NewUserDisconnected(msgType, userID string) UserDisconnected {
	return UserDisconnected{Type: msgType, UserID: userID}
}

// Pong answers a liveness probe.
type Pong struct {
	Type string `json:"type"`
}

func NewPong() Pong {
	return Pong{Type: TypePong}
}
