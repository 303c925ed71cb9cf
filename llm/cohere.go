package llm

import (
	"context"
	"fmt"

	co "github.com/cohere-ai/cohere-go/v2"
	cohereclient "github.com/cohere-ai/cohere-go/v2/client"

	"github.com/leonardorey-coder/promptscript/types"
)

// CohereProvider routes the same message list through the Cohere chat API.
// Billed units stand in for token usage.
type CohereProvider struct {
	cfg    types.LLMConfig
	client *cohereclient.Client
}

var _ Provider = (*CohereProvider)(nil)

func NewCohereProvider(cfg types.LLMConfig) *CohereProvider {
	client := cohereclient.NewClient(cohereclient.WithToken(cfg.APIKey))
	return &CohereProvider{cfg: cfg, client: client}
}

func (p *CohereProvider) Complete(ctx context.Context, msgs []Message) (string, int, error) {
	if len(msgs) == 0 {
		return "", 0, fmt.Errorf("empty message list")
	}

	req := &co.ChatRequest{
		Message:     msgs[len(msgs)-1].Content,
		ChatHistory: coHistory(msgs[:len(msgs)-1]),
	}
	if p.cfg.Model != "" {
		req.Model = &p.cfg.Model
	}

	res, err := p.client.Chat(ctx, req)
	if err != nil {
		return "", 0, err
	}

	tokens := 0
	if res.Meta != nil && res.Meta.BilledUnits != nil {
		if res.Meta.BilledUnits.InputTokens != nil {
			tokens += int(*res.Meta.BilledUnits.InputTokens)
		}
		if res.Meta.BilledUnits.OutputTokens != nil {
			tokens += int(*res.Meta.BilledUnits.OutputTokens)
		}
	}
	return res.Text, tokens, nil
}

func coHistory(msgs []Message) []*co.ChatMessage {
	var history []*co.ChatMessage
	for _, msg := range msgs {
		var role co.ChatMessageRole
		switch msg.Role {
		case AssistantRole:
			role = co.ChatMessageRoleChatbot
		case SystemRole:
			role = co.ChatMessageRoleSystem
		default:
			role = co.ChatMessageRoleUser
		}
		history = append(history, &co.ChatMessage{Role: role, Message: msg.Content})
	}
	return history
}
