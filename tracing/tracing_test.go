package tracing

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/langbot-app/LangTARS/agent"
	"github.com/langbot-app/LangTARS/llm"
)

func TestStoreEvicts(t *testing.T) {
	s := NewStore(2)
	s.Put(NewTrace("a"))
	s.Put(NewTrace("b"))
	s.Put(NewTrace("b"))
	s.Put(NewTrace("c"))

	if s.Get("a") != nil {
		t.Fatal("expected the oldest trace to be evicted")
	}
	list := s.List(10)
	if len(list) != 2 || list[0].TaskID != "c" || list[1].TaskID != "b" {
		t.Fatalf("unexpected list %v", list)
	}
	if got := s.List(1); len(got) != 1 || got[0].TaskID != "c" {
		t.Fatalf("unexpected limited list %v", got)
	}
}

func TestAttachAndRecord(t *testing.T) {
	s := NewStore(10)
	ctx := s.Attach(context.Background(), "t1")
	tr := FromContext(ctx)
	if tr == nil || s.Get("t1") != tr {
		t.Fatal("expected the attached trace to be stored and in context")
	}

	h := NewTracingHook()
	task := &agent.Task{ID: "t1", Description: "list files", Model: "llama3"}
	h.BeforeTask(ctx, task)

	resp, err := h.WrapModelCall(ctx, []agent.Message{agent.Human("hi")}, func(context.Context, []agent.Message) (*llm.Response, error) {
		return &llm.Response{Content: strings.Repeat("x", 600)}, nil
	})
	if err != nil || resp == nil {
		t.Fatalf("unexpected model result %v %v", resp, err)
	}
	h.WrapModelCall(ctx, nil, func(context.Context, []agent.Message) (*llm.Response, error) {
		return nil, errors.New("down")
	})
	res := h.WrapToolCall(ctx, agent.ToolCall{ID: "call_1", Name: "shell"}, func(context.Context, agent.ToolCall) agent.ToolResult {
		return agent.Errorf("denied")
	})
	if res.Error != "denied" {
		t.Fatalf("expected the tool result to pass through, got %v", res)
	}

	s.RecordTask(ctx, *task, agent.Result{Status: agent.StatusError, Text: "Error during execution: down"})

	snap := s.Get("t1").Snapshot()
	if snap.Status != agent.StatusError || snap.Error != "Error during execution: down" {
		t.Fatalf("unexpected trace status %q %q", snap.Status, snap.Error)
	}
	if snap.Description != "list files" || snap.Model != "llama3" {
		t.Fatalf("unexpected trace metadata %+v", snap)
	}
	if len(snap.Spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(snap.Spans))
	}
	if c := snap.Spans[0].Metadata["content"].(string); !strings.HasSuffix(c, "...(truncated)") {
		t.Fatalf("expected truncated content, got %q", c)
	}
	if snap.Spans[0].Metadata["directive"] != "invalid" {
		t.Fatalf("expected invalid directive, got %v", snap.Spans[0].Metadata["directive"])
	}
	if snap.Spans[1].Metadata["error"] != "down" {
		t.Fatalf("expected model error, got %v", snap.Spans[1].Metadata)
	}
	if snap.Spans[2].Metadata["tool_error"] != "denied" {
		t.Fatalf("expected tool error, got %v", snap.Spans[2].Metadata)
	}
}

func TestHookWithoutTrace(t *testing.T) {
	h := NewTracingHook()
	called := false
	h.WrapToolCall(context.Background(), agent.ToolCall{Name: "x"}, func(context.Context, agent.ToolCall) agent.ToolResult {
		called = true
		return agent.OK(nil)
	})
	if !called {
		t.Fatal("expected next to be called")
	}
	if err := NewStore(1).RecordTask(context.Background(), agent.Task{ID: "missing"}, agent.Result{}); err != nil {
		t.Fatal(err)
	}
}
