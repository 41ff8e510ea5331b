package spur

import "testing"

func TestDefinitionHashDeterministic(t *testing.T) {
	a := linearDef()
	b := linearDef()
	if a.Hash() == "" {
		t.Fatal("hash is empty")
	}
	if a.Hash() != b.Hash() {
		t.Error("identical definitions hash differently")
	}

	c := linearDef()
	c.Nodes[1].Config = map[string]any{"fields": map[string]any{"y": "{{start.x}} * 3"}}
	if a.Hash() == c.Hash() {
		t.Error("different definitions hash the same")
	}
}

func TestDefinitionHashIgnoresMapOrder(t *testing.T) {
	a := linearDef()
	a.Nodes[1].Config = map[string]any{"fields": map[string]any{
		"one": "1", "two": "2", "three": "3",
	}}
	b := linearDef()
	b.Nodes[1].Config = map[string]any{"fields": map[string]any{
		"three": "3", "two": "2", "one": "1",
	}}
	if a.Hash() != b.Hash() {
		t.Error("map insertion order changed the hash")
	}
}

func TestRunStatusTerminal(t *testing.T) {
	terminal := []RunStatus{RunCompleted, RunFailed, RunCanceled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []RunStatus{RunPending, RunRunning, RunPaused} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestChatMessageConstructors(t *testing.T) {
	if m := UserMessage("hi"); m.Role != "user" || m.Content != "hi" {
		t.Errorf("UserMessage = %+v", m)
	}
	if m := SystemMessage("rules"); m.Role != "system" {
		t.Errorf("SystemMessage = %+v", m)
	}
	if m := AssistantMessage("ok"); m.Role != "assistant" {
		t.Errorf("AssistantMessage = %+v", m)
	}
	m := ToolResultMessage("c1", "result")
	if m.Role != "tool" || m.ToolCallID != "c1" || m.Content != "result" {
		t.Errorf("ToolResultMessage = %+v", m)
	}
}
