package model

import "time"

// ClientSpec is the declared configuration of one tunnel client. Name is
// the immutable identity used to key runtime state and correlate logs.
type ClientSpec struct {
	Name      string `json:"name"`
	Addr      string `json:"addr"`
	Key       string `json:"key"`
	TLS       bool   `json:"tls"`
	AutoStart bool   `json:"auto_start,omitempty"`
}

// ClientState is the lifecycle phase of a client's runner.
type ClientState string

const (
	StateIdle         ClientState = "idle"
	StateConnecting   ClientState = "connecting"
	StateConnected    ClientState = "connected"
	StateReconnecting ClientState = "reconnecting"
	StateStopped      ClientState = "stopped"
)

// Active reports whether the state belongs to a live runner.
func (s ClientState) Active() bool {
	switch s {
	case StateConnecting, StateConnected, StateReconnecting:
		return true
	}
	return false
}

// RuntimeState is the live status of a started client. It is owned by the
// supervisor; callers only ever see copies.
type RuntimeState struct {
	Running   bool        `json:"running"`
	State     ClientState `json:"state"`
	LastError string      `json:"last_error,omitempty"`
	StartedAt time.Time   `json:"-"`
	UptimeSec int64       `json:"uptime_seconds"`
	Attempts  int         `json:"attempts,omitempty"`
}

// ShortClient is the read model handed to observers: spec plus runtime,
// snapshotted by value. Key carries the redacted form of the credential.
type ShortClient struct {
	Name      string      `json:"name"`
	Addr      string      `json:"addr"`
	Key       string      `json:"key"`
	TLS       bool        `json:"tls"`
	AutoStart bool        `json:"auto_start,omitempty"`
	Running   bool        `json:"running"`
	State     ClientState `json:"state"`
	LastError string      `json:"last_error,omitempty"`
	UptimeSec int64       `json:"uptime_seconds"`
}

// EntryType categorizes a connection log entry.
type EntryType string

const (
	EntryConnected    EntryType = "connected"
	EntryDisconnected EntryType = "disconnected"
	EntryError        EntryType = "error"
	EntryStopped      EntryType = "stopped"
	EntryManager      EntryType = "manager"
)

// LogEntry is one immutable connection event. ClientID is empty for
// manager-level entries.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	ClientID  string    `json:"client_id,omitempty"`
	Type      EntryType `json:"type"`
	Message   string    `json:"message"`
}
