package openai

import (
	"testing"

	"github.com/MrWong99/dawn/pkg/provider/llm"
)

func TestConvertMessage(t *testing.T) {
	t.Parallel()
	tests := []struct {
		role  string
		check func(t *testing.T, m llm.Message)
	}{
		{llm.RoleSystem, func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfSystem == nil {
				t.Fatalf("OfSystem not set (err=%v)", err)
			}
		}},
		{llm.RoleUser, func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfUser == nil {
				t.Fatalf("OfUser not set (err=%v)", err)
			}
		}},
		{llm.RoleAssistant, func(t *testing.T, m llm.Message) {
			p, err := convertMessage(m)
			if err != nil || p.OfAssistant == nil {
				t.Fatalf("OfAssistant not set (err=%v)", err)
			}
			if got := p.OfAssistant.Content.OfString.Value; got != m.Content {
				t.Errorf("assistant content = %q, want %q", got, m.Content)
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.role, func(t *testing.T) {
			t.Parallel()
			tt.check(t, llm.Message{Role: tt.role, Content: "turn on the lights"})
		})
	}
}

func TestConvertMessage_UnknownRole(t *testing.T) {
	t.Parallel()
	if _, err := convertMessage(llm.Message{Role: "tool", Content: "x"}); err == nil {
		t.Fatal("expected error for unknown role")
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()
	p, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are Dawn.",
		Messages:     []llm.Message{{Role: llm.RoleUser, Content: "hi"}},
		Temperature:  0.4,
		MaxTokens:    128,
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 2 {
		t.Errorf("messages = %d, want 2 (system + user)", len(params.Messages))
	}
	if params.Temperature.Value != 0.4 {
		t.Errorf("temperature = %v", params.Temperature.Value)
	}
	if params.MaxCompletionTokens.Value != 128 {
		t.Errorf("max tokens = %v", params.MaxCompletionTokens.Value)
	}

	if _, err := p.buildParams(llm.CompletionRequest{}); err == nil {
		t.Error("expected error for empty messages")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for missing key without base URL")
	}
	if _, err := New("key", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("", "llama3", WithBaseURL("http://localhost:8080/v1")); err != nil {
		t.Errorf("keyless compatible server rejected: %v", err)
	}
}
