package spur

import (
	"context"
	"strings"
	"testing"
)

func TestCreateSessionRequiresChatbot(t *testing.T) {
	ctx := context.Background()
	c := NewController(newMemStore())

	w, _, err := c.CreateWorkflow(ctx, "plain", "", linearDef())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.CreateSession(ctx, w.ID, "u1"); err == nil {
		t.Error("session against a non-chatbot workflow accepted")
	}
}

func TestChatSend(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	c := NewController(store)

	w, _, err := c.CreateWorkflow(ctx, "echo-bot", "", chatDef())
	if err != nil {
		t.Fatal(err)
	}
	session, err := c.CreateSession(ctx, w.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}

	reply, err := c.ChatSend(ctx, session.ID, "hello there")
	if err != nil {
		t.Fatal(err)
	}
	if reply.Content.Role != "assistant" {
		t.Errorf("reply role = %q", reply.Content.Role)
	}
	if reply.Content.Content != "Echo: hello there" {
		t.Errorf("reply = %q", reply.Content.Content)
	}
	if reply.RunID == "" {
		t.Error("assistant message not linked to a run")
	}

	run, err := store.GetRun(ctx, reply.RunID)
	if err != nil {
		t.Fatal(err)
	}
	if run.RunType != RunTypeChat || run.Status != RunCompleted {
		t.Errorf("chat run = %s/%s", run.RunType, run.Status)
	}

	// Both turns were persisted in order.
	history, err := c.SessionHistory(ctx, session.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history length = %d", len(history))
	}
	if history[0].Content.Role != "user" || history[1].Content.Role != "assistant" {
		t.Errorf("history roles = %s, %s", history[0].Content.Role, history[1].Content.Role)
	}
}

func TestChatSendInjectsHistory(t *testing.T) {
	// The input node's message_history must carry prior turns as plain
	// role/content entries.
	def := chatDef()
	def.Nodes[1].Config = map[string]any{
		"fields": map[string]any{
			"assistant_message": "turns so far: {{chat_in.message_history}}",
		},
	}

	ctx := context.Background()
	c := NewController(newMemStore())

	w, _, err := c.CreateWorkflow(ctx, "history-bot", "", def)
	if err != nil {
		t.Fatal(err)
	}
	session, err := c.CreateSession(ctx, w.ID, "u1")
	if err != nil {
		t.Fatal(err)
	}

	first, err := c.ChatSend(ctx, session.ID, "one")
	if err != nil {
		t.Fatal(err)
	}
	if first.Content.Content != "turns so far: []" {
		t.Errorf("first reply = %q", first.Content.Content)
	}

	second, err := c.ChatSend(ctx, session.ID, "two")
	if err != nil {
		t.Fatal(err)
	}
	for _, frag := range []string{`"role":"user"`, `"content":"one"`, `"role":"assistant"`} {
		if !strings.Contains(second.Content.Content, frag) {
			t.Errorf("second reply missing %s: %q", frag, second.Content.Content)
		}
	}
}

func TestChatSendUnknownSession(t *testing.T) {
	c := NewController(newMemStore())
	if _, err := c.ChatSend(context.Background(), "nope", "hi"); err == nil {
		t.Error("unknown session accepted")
	}
}
