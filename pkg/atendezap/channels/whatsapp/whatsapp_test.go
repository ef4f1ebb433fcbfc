package whatsapp

import (
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"
)

func TestParseJID(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"bare number", "5511999998888", "5511999998888@s.whatsapp.net", false},
		{"formatted number", "+55 (11) 99999-8888", "5511999998888@s.whatsapp.net", false},
		{"full jid", "5511999998888@s.whatsapp.net", "5511999998888@s.whatsapp.net", false},
		{"empty", "", "", true},
		{"no digits", "abc", "", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			jid, err := parseJID(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tc.input)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseJID(%q) failed: %v", tc.input, err)
			}
			if jid.String() != tc.want {
				t.Errorf("parseJID(%q) = %q, want %q", tc.input, jid.String(), tc.want)
			}
		})
	}
}

func TestOnlyDigits(t *testing.T) {
	cases := []struct{ in, want string }{
		{"+55 (11) 99999-8888", "5511999998888"},
		{"5511999998888", "5511999998888"},
		{"abc", ""},
	}
	for _, tc := range cases {
		if got := onlyDigits(tc.in); got != tc.want {
			t.Errorf("onlyDigits(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestExtractText(t *testing.T) {
	t.Run("plain conversation", func(t *testing.T) {
		evt := &events.Message{Message: &waE2E.Message{Conversation: proto.String("oi")}}
		if got := extractText(evt); got != "oi" {
			t.Errorf("expected %q, got %q", "oi", got)
		}
	})

	t.Run("extended text", func(t *testing.T) {
		evt := &events.Message{Message: &waE2E.Message{
			ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("link aqui")},
		}}
		if got := extractText(evt); got != "link aqui" {
			t.Errorf("expected %q, got %q", "link aqui", got)
		}
	})

	t.Run("unsupported media is empty", func(t *testing.T) {
		evt := &events.Message{Message: &waE2E.Message{}}
		if got := extractText(evt); got != "" {
			t.Errorf("expected empty, got %q", got)
		}
	})

	t.Run("nil payload", func(t *testing.T) {
		if got := extractText(&events.Message{}); got != "" {
			t.Errorf("expected empty, got %q", got)
		}
	})
}

func TestConfigDefaults(t *testing.T) {
	w := New(Config{AgentID: "agent-1"}, nil, nil, nil)

	if w.cfg.SendTimeout != 30*time.Second {
		t.Errorf("expected default send timeout 30s, got %v", w.cfg.SendTimeout)
	}
	if w.cfg.QRExpiry != 3*time.Minute {
		t.Errorf("expected default QR expiry 3m, got %v", w.cfg.QRExpiry)
	}
	if w.cfg.DeviceName != "AtendeZap" {
		t.Errorf("expected default device name, got %q", w.cfg.DeviceName)
	}
	if w.Name() != "whatsapp" {
		t.Errorf("expected name 'whatsapp', got %q", w.Name())
	}
	if got := w.Health(); got.Connected {
		t.Error("new instance reports connected")
	}
}
