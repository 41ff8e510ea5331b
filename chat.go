package spur

import (
	"context"
	"fmt"
)

// chatHistoryLimit bounds the history injected into a chat run's input node.
const chatHistoryLimit = 50

// CreateSession opens a chat session against a chatbot workflow.
func (c *Controller) CreateSession(ctx context.Context, workflowID, userID string) (Session, error) {
	version, err := c.currentVersion(ctx, workflowID)
	if err != nil {
		return Session{}, err
	}
	if version.Definition.SpurType != SpurChatbot {
		return Session{}, fmt.Errorf("workflow %s is not a chatbot", workflowID)
	}

	s := Session{
		ID:         NewID(),
		WorkflowID: workflowID,
		UserID:     userID,
		CreatedAt:  NowUnix(),
	}
	if err := c.store.CreateSession(ctx, s); err != nil {
		return Session{}, err
	}
	c.logger.Info("session created", "session_id", s.ID, "workflow_id", workflowID)
	return s, nil
}

// ChatSend runs one chat turn: the user message is appended to the session,
// the workflow executes with the message, session id, and prior history on
// its input node, and the resulting assistant_message is appended and
// returned. The assistant message links back to the run that produced it.
func (c *Controller) ChatSend(ctx context.Context, sessionID, message string) (SessionMessage, error) {
	session, err := c.store.GetSession(ctx, sessionID)
	if err != nil {
		return SessionMessage{}, err
	}

	history, err := c.store.ListMessages(ctx, sessionID, chatHistoryLimit)
	if err != nil {
		return SessionMessage{}, err
	}

	userMsg := SessionMessage{
		ID:        NewID(),
		SessionID: sessionID,
		Content:   UserMessage(message),
		CreatedAt: NowUnix(),
	}
	if err := c.store.AppendMessage(ctx, userMsg); err != nil {
		return SessionMessage{}, err
	}

	inputs := map[string]any{
		FieldUserMessage:    message,
		FieldSessionID:      sessionID,
		FieldMessageHistory: historyPayload(history),
	}

	version, err := c.currentVersion(ctx, session.WorkflowID)
	if err != nil {
		return SessionMessage{}, err
	}

	run := Run{
		ID:         NewID(),
		WorkflowID: session.WorkflowID,
		VersionID:  version.ID,
		Status:     RunPending,
		RunType:    RunTypeChat,
		InitialInputs: map[string]map[string]any{
			inputNodeTitle(&version.Definition): inputs,
		},
		StartTime: NowUnix(),
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return SessionMessage{}, err
	}

	runCtx, cancel := c.runContext(ctx, run.ID)
	defer cancel()

	if err := c.runner.execute(runCtx, &run, &version.Definition, runPlan{inputs: inputs, sessionID: sessionID}); err != nil {
		return SessionMessage{}, err
	}
	if run.Status != RunCompleted {
		return SessionMessage{}, fmt.Errorf("chat run %s ended %s: %s", run.ID, run.Status, run.Error)
	}

	reply, ok := extractAssistantMessage(run.Outputs)
	if !ok {
		return SessionMessage{}, fmt.Errorf("chat run %s produced no %s output", run.ID, FieldAssistantMessage)
	}

	assistantMsg := SessionMessage{
		ID:        NewID(),
		SessionID: sessionID,
		RunID:     run.ID,
		Content:   AssistantMessage(reply),
		CreatedAt: NowUnix(),
	}
	if err := c.store.AppendMessage(ctx, assistantMsg); err != nil {
		return SessionMessage{}, err
	}
	return assistantMsg, nil
}

// SessionHistory lists a session's messages in chronological order.
func (c *Controller) SessionHistory(ctx context.Context, sessionID string, limit int) ([]SessionMessage, error) {
	return c.store.ListMessages(ctx, sessionID, limit)
}

// historyPayload renders prior messages as the plain role/content list the
// input node exposes to templates.
func historyPayload(history []SessionMessage) []any {
	out := make([]any, 0, len(history))
	for _, m := range history {
		out = append(out, map[string]any{
			"role":    m.Content.Role,
			"content": m.Content.Content,
		})
	}
	return out
}

// extractAssistantMessage finds the reply field across the run's output nodes.
func extractAssistantMessage(outputs map[string]map[string]any) (string, bool) {
	for _, out := range outputs {
		if v, ok := out[FieldAssistantMessage]; ok {
			if s, ok := v.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}
