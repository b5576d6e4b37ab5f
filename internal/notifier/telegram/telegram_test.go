package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/newthinker/spotbot/internal/notifier"
)

func TestTelegram_ImplementsNotifier(t *testing.T) {
	var _ notifier.Notifier = (*Telegram)(nil)
}

func TestTelegram_Name(t *testing.T) {
	tg := New("token", "chatid")
	if tg.Name() != "telegram" {
		t.Errorf("expected 'telegram', got '%s'", tg.Name())
	}
}

func TestTelegram_Init(t *testing.T) {
	tg := &Telegram{}

	cfg := notifier.Config{
		Params: map[string]any{
			"bot_token": "test-token",
			"chat_id":   "test-chat",
		},
	}

	err := tg.Init(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if tg.botToken != "test-token" {
		t.Errorf("expected bot_token 'test-token', got '%s'", tg.botToken)
	}
	if tg.chatID != "test-chat" {
		t.Errorf("expected chat_id 'test-chat', got '%s'", tg.chatID)
	}
	if tg.apiBase != defaultAPIBase {
		t.Errorf("expected default api base, got '%s'", tg.apiBase)
	}
}

func TestTelegram_Init_MissingToken(t *testing.T) {
	tg := &Telegram{}

	cfg := notifier.Config{
		Params: map[string]any{
			"chat_id": "test-chat",
		},
	}

	if err := tg.Init(cfg); err == nil {
		t.Error("expected error for missing bot_token")
	}
}

func TestTelegram_Init_MissingChatID(t *testing.T) {
	tg := &Telegram{}

	cfg := notifier.Config{
		Params: map[string]any{
			"bot_token": "test-token",
		},
	}

	if err := tg.Init(cfg); err == nil {
		t.Error("expected error for missing chat_id")
	}
}

func TestTelegram_Send(t *testing.T) {
	var receivedPayload map[string]any
	var receivedPath string

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		receivedPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&receivedPayload)
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer server.Close()

	tg := New("test-token", "test-chat")
	tg.apiBase = server.URL

	alert := notifier.Alert{
		Time:     time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC),
		Severity: notifier.SeverityCritical,
		Source:   "BTCUSDC",
		Title:    "strategy snapshot mismatch",
		Fields:   map[string]string{"run_id": "abc"},
	}
	if err := tg.Send(context.Background(), alert); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if receivedPath != "/bottest-token/sendMessage" {
		t.Errorf("unexpected path %s", receivedPath)
	}
	if receivedPayload["chat_id"] != "test-chat" {
		t.Errorf("expected chat_id test-chat, got %v", receivedPayload["chat_id"])
	}
	text, _ := receivedPayload["text"].(string)
	if !strings.Contains(text, "BTCUSDC") || !strings.Contains(text, "run_id") {
		t.Errorf("message should carry source and fields, got %q", text)
	}
}

func TestTelegram_SendAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "Unauthorized"})
	}))
	defer server.Close()

	tg := New("bad", "chat")
	tg.apiBase = server.URL

	err := tg.Send(context.Background(), notifier.Alert{Source: "X", Time: time.Now()})
	if err == nil || !strings.Contains(err.Error(), "401") {
		t.Errorf("expected status error, got %v", err)
	}
}

func TestTelegram_FormatAlert(t *testing.T) {
	tg := New("token", "chat")

	tests := []struct {
		severity notifier.Severity
		icon     string
	}{
		{notifier.SeverityInfo, "ℹ️"},
		{notifier.SeverityWarning, "⚠️"},
		{notifier.SeverityCritical, "🚨"},
	}
	for _, tt := range tests {
		formatted := tg.formatAlert(notifier.Alert{
			Severity: tt.severity,
			Source:   "ETHUSDC",
			Title:    "entry filled",
			Message:  "bought 0.5",
			Time:     time.Now(),
		})
		if !strings.HasPrefix(formatted, tt.icon) {
			t.Errorf("%s alert should start with %s, got %q", tt.severity, tt.icon, formatted)
		}
		if !strings.Contains(formatted, "bought 0.5") {
			t.Errorf("formatted message should contain the message body")
		}
	}
}
