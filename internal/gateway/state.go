package gateway

import (
	"encoding/json"
	"time"
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReady
	StateReconnecting
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// transitions lists the legal moves out of each state. Any state may move
// to Disconnected.
var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected},
	StateConnected:    {StateReady, StateReconnecting, StateFailed},
	StateReady:        {StateReconnecting, StateFailed},
	StateReconnecting: {StateReconnecting, StateConnected, StateFailed},
	StateFailed:       {StateConnecting},
}

func canTransition(from, to State) bool {
	if to == StateDisconnected {
		return from != StateDisconnected
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Session is the platform-side gateway session. It outlives individual
// sockets so a reconnect can resume; an invalid-session frame resets it.
type Session struct {
	SessionID         string
	LastSequence      int64
	HeartbeatInterval time.Duration
	ReconnectAttempts int
	LastHeartbeatAck  time.Time
}

type EventKind int

const (
	EventStateChange EventKind = iota
	EventDispatch
)

// Event is published on Client.Events. State events carry From/To and the
// error that caused the move, if any. Dispatch events carry the event type,
// sequence and raw payload and are only published while Ready.
type Event struct {
	Kind EventKind
	From State
	To   State
	Err  error

	Type string
	Seq  int64
	Data json.RawMessage
}
