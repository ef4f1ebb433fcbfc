// Package responder builds grounded prompts from the agent profile,
// knowledge base and conversation history, and turns completions into
// deliverable replies. Completion failures degrade to a static fallback
// instead of propagating, so the end customer never sees an internal
// error.
package responder

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/atendezap/atendezap/pkg/atendezap/llm"
	"github.com/atendezap/atendezap/pkg/atendezap/store"
)

// Config holds responder configuration.
type Config struct {
	// FallbackText is sent when the completion capability fails.
	FallbackText string `yaml:"fallback_text"`

	// MaxReplyLength caps reply size in runes; WhatsApp rejects
	// oversized bodies.
	MaxReplyLength int `yaml:"max_reply_length"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		FallbackText:   "Desculpe, não consegui processar sua mensagem agora. Pode tentar novamente em instantes?",
		MaxReplyLength: 4000,
	}
}

// Completer is the completion capability consumed by the responder.
type Completer interface {
	Complete(ctx context.Context, messages []llm.Message) (*llm.Completion, error)
}

// Reply is the responder outcome.
type Reply struct {
	Text       string
	TokensUsed int

	// Fallback marks a degraded (non-AI) reply.
	Fallback bool
}

// Responder generates grounded replies for one inbound message.
type Responder struct {
	cfg       Config
	completer Completer
	logger    *slog.Logger
}

// New creates a Responder.
func New(cfg Config, completer Completer, logger *slog.Logger) *Responder {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FallbackText == "" {
		cfg.FallbackText = DefaultConfig().FallbackText
	}
	if cfg.MaxReplyLength == 0 {
		cfg.MaxReplyLength = 4000
	}
	return &Responder{
		cfg:       cfg,
		completer: completer,
		logger:    logger.With("component", "responder"),
	}
}

// Respond builds the prompt and calls the completion capability. On
// failure or an unusable result it returns the fallback reply with zero
// tokens; the pipeline persists and bills that case per its own policy.
func (r *Responder) Respond(ctx context.Context, agent *store.Agent, knowledge []*store.KnowledgeEntry, history []*store.Message, text string) *Reply {
	messages := r.buildMessages(agent, knowledge, history, text)

	completion, err := r.completer.Complete(ctx, messages)
	if err != nil {
		r.logger.Warn("completion failed, using fallback",
			"agent", agent.ID, "error", err)
		return &Reply{Text: r.cfg.FallbackText, Fallback: true}
	}

	reply := strings.TrimSpace(completion.Text)
	if reply == "" {
		r.logger.Warn("empty completion, using fallback", "agent", agent.ID)
		return &Reply{Text: r.cfg.FallbackText, Fallback: true}
	}
	if utf8.RuneCountInString(reply) > r.cfg.MaxReplyLength {
		reply = truncateRunes(reply, r.cfg.MaxReplyLength)
	}

	return &Reply{Text: reply, TokensUsed: completion.TokensUsed}
}

// buildMessages assembles the chat transcript: system prompt, recent
// history oldest-first, then the new message.
func (r *Responder) buildMessages(agent *store.Agent, knowledge []*store.KnowledgeEntry, history []*store.Message, text string) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.Message{
		Role:    "system",
		Content: buildSystemPrompt(agent, knowledge),
	})

	for _, m := range history {
		role := "user"
		if m.Direction == store.DirectionOutgoing {
			role = "assistant"
		}
		messages = append(messages, llm.Message{Role: role, Content: m.Content})
	}

	messages = append(messages, llm.Message{Role: "user", Content: text})
	return messages
}

// buildSystemPrompt embeds the agent identity, instructions, business
// details and the enabled knowledge Q/A pairs.
func buildSystemPrompt(agent *store.Agent, knowledge []*store.KnowledgeEntry) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, a customer service assistant replying over WhatsApp.\n", agent.Name)
	if agent.Personality != "" {
		b.WriteString(agent.Personality)
		b.WriteString("\n")
	}
	if agent.Language != "" {
		fmt.Fprintf(&b, "Always reply in %s.\n", agent.Language)
	}
	if agent.WorkingHours != "" {
		fmt.Fprintf(&b, "Business hours: %s\n", agent.WorkingHours)
	}
	if agent.Services != "" {
		fmt.Fprintf(&b, "Services offered: %s\n", agent.Services)
	}

	if len(knowledge) > 0 {
		b.WriteString("\nUse the following knowledge base to answer questions. ")
		b.WriteString("Prefer these facts over your own assumptions:\n")
		for _, e := range knowledge {
			fmt.Fprintf(&b, "Q: %s\nA: %s\n", e.Question, e.Answer)
		}
	}

	b.WriteString("\nKeep replies short and suitable for a chat conversation. ")
	b.WriteString("If you do not know the answer, say so politely.")
	return b.String()
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
