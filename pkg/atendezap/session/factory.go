package session

import (
	"log/slog"

	"github.com/atendezap/atendezap/pkg/atendezap/channels"
	"github.com/atendezap/atendezap/pkg/atendezap/channels/whatsapp"

	"go.mau.fi/whatsmeow/store/sqlstore"
)

// WhatsAppFactory builds per-agent WhatsApp sessions on a shared device
// container.
func WhatsAppFactory(container *sqlstore.Container, base whatsapp.Config, logger *slog.Logger) ChannelFactory {
	return func(agentID, deviceJID string, onState func(channels.State, string)) (channels.PairingChannel, error) {
		cfg := base
		cfg.AgentID = agentID
		cfg.DeviceJID = deviceJID
		return whatsapp.New(cfg, container, whatsapp.StateListener(onState), logger), nil
	}
}
