package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/4xmen/novachat/internal/models"
)

func TestReplyBuildsConversation(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("Expected bearer auth, got %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("Failed to decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  four  "}}]}`))
	}))
	defer server.Close()

	r := NewHTTPResponder(Config{PeerID: 99, URL: server.URL, APIKey: "secret", Model: "test-model"})
	prior := []*models.Message{
		{SenderID: 1, ReceiverID: 99, Content: "hi"},
		{SenderID: 99, ReceiverID: 1, Content: "hello!"},
	}

	reply, err := r.Reply(context.Background(), prior, "2+2?")
	if err != nil {
		t.Fatalf("Reply failed: %v", err)
	}
	if reply != "four" {
		t.Errorf("Expected trimmed reply, got %q", reply)
	}

	if got.Model != "test-model" {
		t.Errorf("Expected model test-model, got %q", got.Model)
	}
	wantRoles := []string{"system", "user", "assistant", "user"}
	if len(got.Messages) != len(wantRoles) {
		t.Fatalf("Expected %d messages, got %d", len(wantRoles), len(got.Messages))
	}
	for i, role := range wantRoles {
		if got.Messages[i].Role != role {
			t.Errorf("Message %d role = %q, want %q", i, got.Messages[i].Role, role)
		}
	}
	if got.Messages[3].Content != "2+2?" {
		t.Errorf("Expected new content last, got %q", got.Messages[3].Content)
	}
}

func TestReplyErrors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"upstream error", http.StatusTooManyRequests, `{"error":{"message":"rate limited"}}`, "rate limited"},
		{"no choices", http.StatusOK, `{"choices":[]}`, ErrEmptyReply.Error()},
		{"blank reply", http.StatusOK, `{"choices":[{"message":{"content":"   "}}]}`, ErrEmptyReply.Error()},
		{"garbage", http.StatusBadGateway, `<html>`, "unexpected response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewHTTPResponder(Config{URL: server.URL}).Reply(context.Background(), nil, "hi")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestResponderFunc(t *testing.T) {
	var r Responder = ResponderFunc(func(_ context.Context, _ []*models.Message, content string) (string, error) {
		if content == "" {
			return "", errors.New("empty")
		}
		return "echo: " + content, nil
	})
	if reply, _ := r.Reply(context.Background(), nil, "x"); reply != "echo: x" {
		t.Errorf("Unexpected reply %q", reply)
	}
}
