// Package channels defines the contract between the session layer and the
// external messaging network. The WhatsApp implementation lives in the
// whatsapp subpackage; the session manager and pipeline only see these
// interfaces.
package channels

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned by Send when the underlying session is not
// established. Sends must fail fast rather than hang (in-flight pipeline
// jobs hit this after a disconnect).
var ErrNotConnected = errors.New("channel: not connected")

// Channel is the minimal capability the core needs from a messaging
// network: connect, disconnect, send text, receive text.
type Channel interface {
	// Name returns the channel identifier (e.g. "whatsapp").
	Name() string

	// Connect establishes the connection. When no session exists the
	// pairing flow starts in the background and Connect returns
	// immediately; pairing progress is surfaced via PairingEvents.
	Connect(ctx context.Context) error

	// Disconnect closes the connection and releases all session
	// resources. The instance cannot be reused afterwards.
	Disconnect() error

	// Send delivers a text message to the given contact and returns the
	// network-assigned message id.
	Send(ctx context.Context, to, text string) (string, error)

	// Receive returns the stream of incoming messages.
	Receive() <-chan *IncomingMessage

	// SendTyping sends a "typing..." indicator to the recipient. Best
	// effort: implementations return nil when not connected.
	SendTyping(ctx context.Context, to string) error

	// IsConnected reports whether the session is live.
	IsConnected() bool

	// Identity returns the network identity once authenticated
	// (empty before pairing completes).
	Identity() string

	// Health returns the channel health snapshot.
	Health() HealthStatus
}

// PairingChannel extends Channel with the pairing surface: scannable QR
// payloads and short numeric codes tied to a phone number.
type PairingChannel interface {
	Channel

	// PairingEvents returns the stream of pairing artifacts and
	// outcomes for this session.
	PairingEvents() <-chan PairingEvent

	// RegeneratePairing restarts artifact generation after an expiry.
	RegeneratePairing(ctx context.Context) error

	// RequestPairCode asks the network for a numeric pairing code tied
	// to the given phone number.
	RequestPairCode(ctx context.Context, phone string) (string, error)

	// Logout unlinks the device and deletes the stored credentials.
	// Used on agent deletion; implies Disconnect.
	Logout(ctx context.Context) error
}

// PairingEventType discriminates pairing events.
type PairingEventType string

const (
	PairingCode      PairingEventType = "code"      // new artifact ready
	PairingSucceeded PairingEventType = "success"   // device linked
	PairingExpired   PairingEventType = "timeout"   // artifact expired
	PairingFailed    PairingEventType = "error"     // pairing error
)

// PairingEvent carries one step of the pairing flow.
type PairingEvent struct {
	Type PairingEventType

	// Artifact is the scannable QR payload or numeric code
	// (Type == PairingCode only).
	Artifact string

	// ExpiresAt is when the artifact stops being scannable.
	ExpiresAt time.Time

	// Message is a human-readable description.
	Message string
}

// IncomingMessage is a text message received from the network.
type IncomingMessage struct {
	// ID is the network-assigned message identifier.
	ID string

	// From is the sender identity (phone JID).
	From string

	// FromName is the sender display name, when the network provides it.
	FromName string

	// Content is the message text.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// HealthStatus is a channel health snapshot.
type HealthStatus struct {
	Connected     bool
	State         string
	Identity      string
	ErrorCount    int
	LastMessageAt time.Time
}
