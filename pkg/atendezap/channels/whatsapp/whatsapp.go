// Package whatsapp implements the channels contract on whatsmeow, a
// native Go WhatsApp Web API library. Each instance owns exactly one
// device session (one per agent); the session manager is responsible for
// never creating two instances for the same agent.
//
// Supports QR code pairing with persistent sessions, numeric phone pair
// codes, send/receive of text messages, and connection state tracking.
package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/atendezap/atendezap/pkg/atendezap/channels"

	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"
)

// Config holds per-session WhatsApp configuration.
type Config struct {
	// AgentID identifies the owning agent (used for logging only).
	AgentID string

	// DeviceJID is the identity persisted from a previous login. Empty
	// means no session exists and pairing is required.
	DeviceJID string

	// DeviceName is shown in the WhatsApp linked-devices list.
	DeviceName string `yaml:"device_name"`

	// SendTimeout bounds each outgoing send.
	SendTimeout time.Duration `yaml:"send_timeout"`

	// QRExpiry is how long a QR artifact stays scannable.
	QRExpiry time.Duration `yaml:"qr_expiry"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DeviceName:  "AtendeZap",
		SendTimeout: 30 * time.Second,
		QRExpiry:    3 * time.Minute,
	}
}

// StateListener receives connection state transitions. The session
// manager is the single listener per instance.
type StateListener func(state channels.State, reason string)

// WhatsApp implements channels.PairingChannel for one agent session.
type WhatsApp struct {
	cfg       Config
	container *sqlstore.Container
	client    *whatsmeow.Client
	logger    *slog.Logger

	// messages is the stream of incoming text messages.
	messages chan *channels.IncomingMessage

	// pairing is the stream of pairing artifacts and outcomes.
	pairing chan channels.PairingEvent

	// connected tracks the live connection flag.
	connected atomic.Bool

	// state tracks the detailed connection state.
	state atomic.Value // channels.State

	// lastMsg tracks the last incoming message time for health.
	lastMsg atomic.Value // time.Time

	// errorCount tracks consecutive send/network errors.
	errorCount atomic.Int64

	// closed guards the output channels against double close and
	// send-after-close.
	closed atomic.Bool

	onState StateListener

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a WhatsApp session bound to the shared device container.
// The listener may be nil.
func New(cfg Config, container *sqlstore.Container, onState StateListener, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.QRExpiry == 0 {
		cfg.QRExpiry = 3 * time.Minute
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = "AtendeZap"
	}

	w := &WhatsApp{
		cfg:       cfg,
		container: container,
		onState:   onState,
		logger:    logger.With("component", "whatsapp", "agent", cfg.AgentID),
		messages:  make(chan *channels.IncomingMessage, 256),
		pairing:   make(chan channels.PairingEvent, 8),
	}
	w.setState(channels.StateUninitialized, "")
	return w
}

// Name returns "whatsapp".
func (w *WhatsApp) Name() string { return "whatsapp" }

// Connect establishes the WhatsApp Web connection. With an existing
// device session it reconnects directly; otherwise the QR pairing flow
// runs in the background and artifacts are emitted on PairingEvents.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.setState(channels.StateInitializing, "")

	device, err := w.getDevice(w.ctx)
	if err != nil {
		w.setState(channels.StateError, "device_store")
		return fmt.Errorf("getting device: %w", err)
	}

	store.SetOSInfo(w.cfg.DeviceName, [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)

	if w.client.Store.ID == nil {
		// First login: run QR pairing in the background so the caller
		// returns immediately with a pairing_ready status.
		go func() {
			if err := w.loginWithQR(w.ctx); err != nil {
				w.logger.Warn("QR pairing not completed", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		w.setState(channels.StateDisconnected, "connect_failed")
		return fmt.Errorf("connecting: %w", err)
	}

	w.connected.Store(true)
	w.logger.Info("connected with existing session", "jid", w.Identity())
	return nil
}

// Disconnect closes the connection and the output channels. The device
// credentials are kept so a later Connect resumes without re-pairing.
func (w *WhatsApp) Disconnect() error {
	w.setState(channels.StateDisconnected, "user_request")
	w.connected.Store(false)

	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}
	if w.closed.CompareAndSwap(false, true) {
		close(w.messages)
		close(w.pairing)
	}
	w.logger.Info("disconnected")
	return nil
}

// Logout unlinks the device and deletes the stored credentials. Used
// when the agent is deleted; a later Connect starts pairing from scratch.
func (w *WhatsApp) Logout(ctx context.Context) error {
	if w.client == nil {
		return nil
	}
	w.connected.Store(false)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := w.client.Logout(ctx); err != nil {
		w.logger.Warn("logout error, forcing store cleanup", "error", err)
		w.client.Disconnect()
		if w.client.Store != nil {
			if delErr := w.client.Store.Delete(ctx); delErr != nil {
				w.logger.Warn("failed to delete device store", "error", delErr)
			}
		}
	}
	return w.Disconnect()
}

// Send delivers a text message and returns the network message id.
func (w *WhatsApp) Send(ctx context.Context, to, text string) (string, error) {
	if !w.connected.Load() {
		return "", channels.ErrNotConnected
	}

	jid, err := parseJID(to)
	if err != nil {
		return "", fmt.Errorf("invalid JID %q: %w", to, err)
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	defer cancel()

	resp, err := w.client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(text),
	})
	if err != nil {
		w.errorCount.Add(1)
		return "", fmt.Errorf("sending message: %w", err)
	}
	return string(resp.ID), nil
}

// SendTyping sends a "composing" chat presence to the recipient. Best
// effort: returns nil when not connected.
func (w *WhatsApp) SendTyping(ctx context.Context, to string) error {
	if !w.connected.Load() {
		return nil
	}
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	return w.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// Receive returns the incoming messages stream.
func (w *WhatsApp) Receive() <-chan *channels.IncomingMessage {
	return w.messages
}

// PairingEvents returns the pairing event stream.
func (w *WhatsApp) PairingEvents() <-chan channels.PairingEvent {
	return w.pairing
}

// RegeneratePairing restarts QR generation after an expired artifact.
func (w *WhatsApp) RegeneratePairing(ctx context.Context) error {
	if w.connected.Load() {
		return fmt.Errorf("already connected")
	}
	if w.client == nil {
		return fmt.Errorf("client not initialized")
	}

	w.client.Disconnect()

	go func() {
		if err := w.loginWithQR(w.ctx); err != nil {
			w.logger.Warn("QR regeneration failed", "error", err)
		}
	}()
	return nil
}

// RequestPairCode asks WhatsApp for a numeric pairing code tied to the
// given phone number (alternative to scanning the QR).
func (w *WhatsApp) RequestPairCode(ctx context.Context, phone string) (string, error) {
	if w.client == nil {
		return "", fmt.Errorf("client not initialized")
	}
	if w.client.Store.ID != nil {
		return "", fmt.Errorf("already paired")
	}

	digits := onlyDigits(phone)
	if len(digits) < 10 {
		return "", fmt.Errorf("phone number too short: %s", phone)
	}

	if !w.client.IsConnected() {
		if err := w.client.Connect(); err != nil {
			return "", fmt.Errorf("connecting for pair code: %w", err)
		}
	}

	code, err := w.client.PairPhone(ctx, digits, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
	if err != nil {
		return "", fmt.Errorf("requesting pair code: %w", err)
	}
	return code, nil
}

// IsConnected reports whether the session is live.
func (w *WhatsApp) IsConnected() bool {
	return w.connected.Load()
}

// Identity returns the linked JID, empty before pairing.
func (w *WhatsApp) Identity() string {
	if w.client != nil && w.client.Store.ID != nil {
		return w.client.Store.ID.String()
	}
	return ""
}

// Health returns the channel health snapshot.
func (w *WhatsApp) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  w.connected.Load(),
		State:      string(w.getState()),
		Identity:   w.Identity(),
		ErrorCount: int(w.errorCount.Load()),
	}
	if t, ok := w.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	return h
}

// ---------- Internal ----------

func (w *WhatsApp) getState() channels.State {
	if v := w.state.Load(); v != nil {
		return v.(channels.State)
	}
	return channels.StateUninitialized
}

func (w *WhatsApp) setState(state channels.State, reason string) {
	prev := w.state.Swap(state)
	if prev == state {
		return
	}
	if w.onState != nil {
		w.onState(state, reason)
	}
}

// getDevice resolves the persisted device for this agent, or creates a
// fresh one when no session exists yet.
func (w *WhatsApp) getDevice(ctx context.Context) (*store.Device, error) {
	if w.cfg.DeviceJID != "" {
		jid, err := types.ParseJID(w.cfg.DeviceJID)
		if err == nil {
			device, err := w.container.GetDevice(ctx, jid)
			if err != nil {
				return nil, err
			}
			if device != nil {
				return device, nil
			}
		}
	}
	return w.container.NewDevice(), nil
}

// loginWithQR drives the QR pairing flow, emitting artifacts to the
// pairing stream until success, expiry or error.
func (w *WhatsApp) loginWithQR(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}

	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	w.setState(channels.StatePairingReady, "")

	for {
		select {
		case <-ctx.Done():
			w.setState(channels.StateDisconnected, "cancelled")
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return fmt.Errorf("QR channel closed unexpectedly")
			}

			switch evt.Event {
			case "code":
				w.setState(channels.StatePairingReady, "")
				w.emitPairing(channels.PairingEvent{
					Type:      channels.PairingCode,
					Artifact:  evt.Code,
					ExpiresAt: time.Now().Add(w.cfg.QRExpiry),
					Message:   "Scan the QR code with WhatsApp to link the agent",
				})

			case "success":
				w.connected.Store(true)
				w.setState(channels.StateAuthenticated, "")
				w.emitPairing(channels.PairingEvent{
					Type:    channels.PairingSucceeded,
					Message: "WhatsApp linked successfully",
				})
				return nil

			case "timeout":
				w.setState(channels.StateDisconnected, "qr_timeout")
				w.emitPairing(channels.PairingEvent{
					Type:    channels.PairingExpired,
					Message: "QR code expired, request a new one",
				})
				return fmt.Errorf("QR code timeout")

			default:
				if evt.Error != nil {
					w.setState(channels.StateError, "qr_error")
					w.emitPairing(channels.PairingEvent{
						Type:    channels.PairingFailed,
						Message: evt.Error.Error(),
					})
					return fmt.Errorf("QR login error: %w", evt.Error)
				}
			}
		}
	}
}

// emitPairing delivers a pairing event without blocking the QR loop.
func (w *WhatsApp) emitPairing(evt channels.PairingEvent) {
	if w.closed.Load() {
		return
	}
	select {
	case w.pairing <- evt:
	default:
		w.logger.Warn("pairing channel full, dropping event", "type", evt.Type)
	}
}

// emitMessage delivers an incoming message without blocking the event
// handler.
func (w *WhatsApp) emitMessage(msg *channels.IncomingMessage) {
	if w.closed.Load() {
		return
	}
	select {
	case w.messages <- msg:
		w.lastMsg.Store(time.Now())
	default:
		w.logger.Warn("message channel full, dropping message", "from", msg.From)
	}
}

// parseJID accepts a full JID or a bare phone number.
func parseJID(s string) (types.JID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return types.JID{}, fmt.Errorf("empty JID")
	}
	if strings.Contains(s, "@") {
		return types.ParseJID(s)
	}

	digits := onlyDigits(s)
	if len(digits) < 10 {
		return types.JID{}, fmt.Errorf("phone number too short: %s", s)
	}
	return types.NewJID(digits, types.DefaultUserServer), nil
}

func onlyDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}
