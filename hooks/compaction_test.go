package hooks

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/langbot-app/LangTARS/agent"
	"github.com/langbot-app/LangTARS/llm"
)

// summaryLLM answers every call with a fixed summary.
type summaryLLM struct {
	calls  int
	prompt string
	err    error
}

func (s *summaryLLM) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	s.prompt = req.Messages[0].Content
	return &llm.Response{Content: "opened the logs"}, nil
}

func (s *summaryLLM) Stream(ctx context.Context, req llm.Request, ch chan<- llm.StreamChunk) error {
	close(ch)
	return nil
}

func conversation(steps, size int) []agent.Message {
	msgs := []agent.Message{agent.System("prompt"), agent.Human("Task: tidy logs")}
	for i := 0; i < steps; i++ {
		msgs = append(msgs, agent.AI(strings.Repeat("a", size)), agent.ToolMsg("c", "read_file", strings.Repeat("r", size)))
	}
	return append(msgs, agent.Human("reminder"))
}

func capture(got *[]agent.Message) agent.ModelCallWrapFunc {
	return func(ctx context.Context, msgs []agent.Message) (*llm.Response, error) {
		*got = msgs
		return &llm.Response{Content: "DONE: ok"}, nil
	}
}

func TestCompactionUnderThreshold(t *testing.T) {
	client := &summaryLLM{}
	h := NewCompactionHook(client, 1000, nil)
	msgs := conversation(3, 10)

	var got []agent.Message
	if _, err := h.WrapModelCall(context.Background(), msgs, capture(&got)); err != nil {
		t.Fatal(err)
	}
	if client.calls != 0 {
		t.Fatalf("expected no summary call, got %d", client.calls)
	}
	if len(got) != len(msgs) {
		t.Fatalf("expected %d messages, got %d", len(msgs), len(got))
	}
}

func TestCompactionSummarizesMiddle(t *testing.T) {
	client := &summaryLLM{}
	h := NewCompactionHook(client, 1000, nil)
	msgs := conversation(10, 400)

	var got []agent.Message
	if _, err := h.WrapModelCall(context.Background(), msgs, capture(&got)); err != nil {
		t.Fatal(err)
	}
	if client.calls != 1 {
		t.Fatalf("expected one summary call, got %d", client.calls)
	}
	if want := 2 + 1 + keepRecent; len(got) != want {
		t.Fatalf("expected %d messages, got %d", want, len(got))
	}
	if got[0].Content != "prompt" || got[1].Content != "Task: tidy logs" {
		t.Fatalf("expected the prompt and task first, got %q, %q", got[0].Content, got[1].Content)
	}
	if got[2].Role != agent.RoleSystem || !strings.HasSuffix(got[2].Content, "opened the logs") {
		t.Fatalf("expected summary message, got %+v", got[2])
	}
	if got[len(got)-1].Content != "reminder" {
		t.Fatalf("expected the reminder last, got %q", got[len(got)-1].Content)
	}
	if !strings.Contains(client.prompt, "[tool read_file]") {
		t.Fatal("expected tool names in the summary prompt")
	}
	if strings.Contains(client.prompt, "[truncated]") {
		t.Fatal("expected short messages to be quoted in full")
	}
}

func TestCompactionFailureSendsFullRequest(t *testing.T) {
	client := &summaryLLM{err: errors.New("overloaded")}
	h := NewCompactionHook(client, 1000, nil)
	msgs := conversation(10, 400)

	var got []agent.Message
	if _, err := h.WrapModelCall(context.Background(), msgs, capture(&got)); err != nil {
		t.Fatal(err)
	}
	if len(got) != len(msgs) {
		t.Fatalf("expected %d messages, got %d", len(msgs), len(got))
	}
}

func TestEstimateTokens(t *testing.T) {
	msgs := []agent.Message{agent.Human(strings.Repeat("x", 400)), agent.AI(strings.Repeat("y", 40))}
	if got := EstimateTokens(msgs); got != 110 {
		t.Fatalf("expected 110, got %d", got)
	}
}
