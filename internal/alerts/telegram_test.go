package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dn-yield-strategy/internal/config"
	"dn-yield-strategy/internal/protocol"
	"dn-yield-strategy/internal/strategy"

	"go.uber.org/zap"
)

func TestTelegramSendDisabled(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: false}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected nil error when disabled, got %v", err)
	}
}

func TestTelegramSendMissingConfig(t *testing.T) {
	cfg := config.TelegramConfig{Enabled: true}
	client := newTelegram(cfg, zap.NewNop(), "http://unused", nil)
	if err := client.Send(context.Background(), "hello"); err == nil {
		t.Fatalf("expected error for missing token/chat_id")
	}
}

func TestTelegramSendPostsMessage(t *testing.T) {
	var gotPath string
	var gotPayload map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&gotPayload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{}}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	if err := client.Send(context.Background(), "hello"); err != nil {
		t.Fatalf("expected send success, got %v", err)
	}
	if gotPath != "/bottoken/sendMessage" {
		t.Fatalf("expected path /bottoken/sendMessage, got %s", gotPath)
	}
	if gotPayload["chat_id"] != "123" {
		t.Fatalf("expected chat_id 123, got %q", gotPayload["chat_id"])
	}
	if gotPayload["text"] != "hello" {
		t.Fatalf("expected text hello, got %q", gotPayload["text"])
	}
}

func TestTelegramSendReportsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	err := client.Send(context.Background(), "hello")
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("expected api error, got %v", err)
	}
}

func TestTelegramGetUpdates(t *testing.T) {
	var gotOffset string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/bottoken/getUpdates" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		gotOffset = r.URL.Query().Get("offset")
		_, _ = w.Write([]byte(`{"ok":true,"result":[{"update_id":42,"message":{"message_id":1,"from":{"id":7,"username":"ops"},"chat":{"id":123},"text":"/status"}}]}`))
	}))
	defer server.Close()

	cfg := config.TelegramConfig{Enabled: true, Token: "token", ChatID: "123"}
	client := newTelegram(cfg, zap.NewNop(), server.URL, server.Client())
	updates, err := client.GetUpdates(context.Background(), 41, 0)
	if err != nil {
		t.Fatalf("get updates: %v", err)
	}
	if gotOffset != "41" {
		t.Fatalf("expected offset 41, got %q", gotOffset)
	}
	if len(updates) != 1 || updates[0].UpdateID != 42 {
		t.Fatalf("unexpected updates %+v", updates)
	}
	msg := updates[0].Message
	if msg == nil || msg.Text != "/status" || msg.From.ID != 7 || msg.Chat.ID != 123 {
		t.Fatalf("unexpected message %+v", msg)
	}
}

type captureSender struct {
	messages []string
}

func (c *captureSender) Send(_ context.Context, message string) error {
	c.messages = append(c.messages, message)
	return nil
}

func TestOutcomeNotifierFormatsAndFilters(t *testing.T) {
	sender := &captureSender{}
	n := NewOutcomeNotifier(sender, "USDC", 6, zap.NewNop(), "rebalance")

	n.Notify(context.Background(), strategy.Outcome{
		Kind:   strategy.OutcomeCompleted,
		FlowID: "flow-1",
		TxKind: protocol.TxRebalance,
	})
	if len(sender.messages) != 0 {
		t.Fatalf("expected quiet rebalance, got %v", sender.messages)
	}

	n.Notify(context.Background(), strategy.Outcome{
		Kind:     strategy.OutcomeFailed,
		FlowID:   "flow-2",
		TxKind:   protocol.TxRebalance,
		OrderKey: protocol.LocalKey(3),
		Reason:   strategy.ReasonCancelled,
		Err:      errors.New("venue cancelled"),
		At:       time.Now(),
	})
	n.Notify(context.Background(), strategy.Outcome{
		Kind:   strategy.OutcomeCompleted,
		FlowID: "flow-3",
		TxKind: protocol.TxWithdraw,
		Assets: big.NewInt(1_500_000),
	})
	if len(sender.messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(sender.messages))
	}
	if !strings.Contains(sender.messages[0], "reason: cancelled") || !strings.Contains(sender.messages[0], "rebalance failed") {
		t.Fatalf("unexpected failure message %q", sender.messages[0])
	}
	if !strings.Contains(sender.messages[1], "assets: 1.5 USDC") {
		t.Fatalf("unexpected completion message %q", sender.messages[1])
	}
}
