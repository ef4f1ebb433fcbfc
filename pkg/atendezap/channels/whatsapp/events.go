// Package whatsapp – events.go converts whatsmeow events into channel
// state transitions and unified incoming messages.
package whatsapp

import (
	"github.com/atendezap/atendezap/pkg/atendezap/channels"

	"go.mau.fi/whatsmeow/types/events"
)

// handleEvent is the whatsmeow event dispatcher.
func (w *WhatsApp) handleEvent(rawEvt interface{}) {
	switch evt := rawEvt.(type) {
	case *events.Message:
		w.handleMessageEvt(evt)

	case *events.Connected:
		w.handleConnected()

	case *events.PairSuccess:
		w.logger.Info("device paired", "jid", evt.ID, "platform", evt.Platform)

	case *events.Disconnected:
		w.handleDisconnected("network_disconnect")

	case *events.StreamReplaced:
		// Another client took over the session.
		w.handleDisconnected("stream_replaced")

	case *events.LoggedOut:
		w.handleLoggedOut(evt)

	case *events.TemporaryBan:
		w.logger.Error("account temporarily banned", "reason", evt.Code, "expires", evt.Expire)
		w.handleAuthFailed("banned")

	case *events.ConnectFailure:
		w.handleConnectFailure(evt)

	case *events.StreamError:
		w.logger.Error("stream error", "code", evt.Code)

	case *events.KeepAliveTimeout:
		w.logger.Warn("keepalive timeout", "error_count", evt.ErrorCount)

	case *events.KeepAliveRestored:
		w.logger.Info("keepalive restored")
	}
}

// handleConnected handles a successful (re)connection.
func (w *WhatsApp) handleConnected() {
	w.connected.Store(true)
	w.errorCount.Store(0)
	w.setState(channels.StateConnected, "")
	w.logger.Info("connected", "jid", w.Identity())
}

// handleDisconnected surfaces an unexpected network disconnect. Retry
// policy belongs to the caller; the channel only reports the loss.
func (w *WhatsApp) handleDisconnected(reason string) {
	if !w.connected.CompareAndSwap(true, false) {
		return
	}
	w.setState(channels.StateDisconnected, reason)
	w.logger.Warn("disconnected", "reason", reason)
}

// handleLoggedOut handles a fatal session invalidation (user unlinked
// the device). Requires re-pairing.
func (w *WhatsApp) handleLoggedOut(evt *events.LoggedOut) {
	w.logger.Error("logged out by server", "reason", evt.Reason)
	w.handleAuthFailed("logged_out")
}

// handleAuthFailed marks the session authentication as fatally broken.
func (w *WhatsApp) handleAuthFailed(reason string) {
	w.connected.Store(false)
	w.setState(channels.StateAuthFailed, reason)
}

// handleConnectFailure handles connection failures reported by the
// server.
func (w *WhatsApp) handleConnectFailure(evt *events.ConnectFailure) {
	w.logger.Error("connect failure", "reason", evt.Reason, "message", evt.Message)
	w.connected.Store(false)
	if evt.Reason.IsLoggedOut() {
		w.handleAuthFailed("connect_failure_logged_out")
		return
	}
	w.setState(channels.StateError, "connect_failure")
}

// handleMessageEvt converts an incoming WhatsApp message into the
// unified shape, ignoring non-text and self/broadcast traffic.
func (w *WhatsApp) handleMessageEvt(evt *events.Message) {
	if evt.Info.IsFromMe {
		return
	}
	if evt.Info.Chat.Server == "broadcast" {
		return
	}
	if evt.Info.IsGroup {
		// Agents answer direct customer chats only.
		return
	}

	text := extractText(evt)
	if text == "" {
		return
	}

	// Resolve LID senders to phone JIDs so conversation identity is
	// stable across WhatsApp's identity formats.
	sender := evt.Info.Sender
	resolved := sender.String()
	if sender.Server == "lid" && w.client != nil && w.client.Store != nil {
		if altJID, err := w.client.Store.GetAltJID(w.ctx, sender); err == nil && !altJID.IsEmpty() {
			resolved = altJID.String()
		}
	}

	w.emitMessage(&channels.IncomingMessage{
		ID:        string(evt.Info.ID),
		From:      resolved,
		FromName:  evt.Info.PushName,
		Content:   text,
		Timestamp: evt.Info.Timestamp,
	})
}

// extractText pulls the text body out of the message payload variants.
func extractText(evt *events.Message) string {
	msg := evt.Message
	if msg == nil {
		return ""
	}
	if t := msg.GetConversation(); t != "" {
		return t
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	return ""
}
