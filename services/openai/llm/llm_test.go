package llm

import (
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"

	"voiceagent/core"
)

func TestBuildMessagesEmptyHistory(t *testing.T) {
	messages := BuildMessages(DefaultSystemPrompt, "hello", nil)

	if len(messages) != 2 {
		t.Fatalf("expected system + user message, got %d messages", len(messages))
	}
	if messages[0].Role != openai.ChatMessageRoleSystem || messages[0].Content != DefaultSystemPrompt {
		t.Errorf("first message is not the system instruction: %+v", messages[0])
	}
	if messages[1].Role != openai.ChatMessageRoleUser || messages[1].Content != "hello" {
		t.Errorf("second message is not the user utterance: %+v", messages[1])
	}
}

func TestBuildMessagesReplaysHistoryInOrder(t *testing.T) {
	history := []core.Turn{
		{User: "u1", Assistant: "a1"},
		{User: "u2", Assistant: "a2"},
	}
	messages := BuildMessages("sys", "u3", history)

	wantRoles := []string{
		openai.ChatMessageRoleSystem,
		openai.ChatMessageRoleUser, openai.ChatMessageRoleAssistant,
		openai.ChatMessageRoleUser, openai.ChatMessageRoleAssistant,
		openai.ChatMessageRoleUser,
	}
	wantContent := []string{"sys", "u1", "a1", "u2", "a2", "u3"}

	if len(messages) != len(wantRoles) {
		t.Fatalf("expected %d messages, got %d", len(wantRoles), len(messages))
	}
	for i := range messages {
		if messages[i].Role != wantRoles[i] {
			t.Errorf("message %d: expected role %s, got %s", i, wantRoles[i], messages[i].Role)
		}
		if messages[i].Content != wantContent[i] {
			t.Errorf("message %d: expected content %q, got %q", i, wantContent[i], messages[i].Content)
		}
	}
}

func TestBuildPromptMatchesChatOrdering(t *testing.T) {
	history := []core.Turn{{User: "hi", Assistant: "hey"}}
	prompt := BuildPrompt("sys", "how are you", history)

	want := "sys\nUser: hi\nAssistant: hey\nUser: how are you\nAssistant:"
	if prompt != want {
		t.Errorf("prompt mismatch:\nwant %q\ngot  %q", want, prompt)
	}

	if !strings.HasSuffix(prompt, "Assistant:") {
		t.Error("prompt must end with the assistant cue")
	}
}

func TestPostprocess(t *testing.T) {
	tests := []struct {
		name       string
		raw        string
		prompt     string
		singleLine bool
		want       string
	}{
		{"plain", "hello there", "", true, "hello there"},
		{"strips prompt echo", "PROMPTanswer", "PROMPT", true, "answer"},
		{"first line only", "line one\nline two\nline three", "", true, "line one"},
		{"multi-line preserved", "line one\nline two", "", false, "line one\nline two"},
		{"trims whitespace", "  spaced out  \n next", "", true, "spaced out"},
		{"empty becomes placeholder", "", "", true, EmptyOutputText},
		{"whitespace becomes placeholder", "   \n  ", "", true, EmptyOutputText},
		{"echo only becomes placeholder", "PROMPT", "PROMPT", true, EmptyOutputText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Postprocess(tt.raw, tt.prompt, tt.singleLine); got != tt.want {
				t.Errorf("Postprocess(%q, %q, %v) = %q, want %q", tt.raw, tt.prompt, tt.singleLine, got, tt.want)
			}
		})
	}
}
