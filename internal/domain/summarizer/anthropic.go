package summarizer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	anthropicsdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/okian/lookout/internal/domain/model"
)

const (
	defaultAnthropicModel     = "claude-sonnet-4-5"
	defaultAnthropicMaxTokens = 1024
)

const systemPrompt = `You condense activity from email, issue trackers and chat into short records.
Reply with a single JSON object and nothing else:
{"summary": string, "key_points": [string], "importance_score": number between 0 and 1}
Key points are short and keep markdown links to the original items.
Higher importance means the user should look at it sooner.`

// MessageClient is the subset of the Anthropic messages service used here.
// *anthropicsdk.MessageService satisfies it.
type MessageClient interface {
	New(ctx context.Context, params anthropicsdk.MessageNewParams, opts ...option.RequestOption) (*anthropicsdk.Message, error)
}

// Anthropic summarizes through the Anthropic messages API.
type Anthropic struct {
	client     MessageClient
	model      string
	maxTokens  int64
	identities []string
}

// NewAnthropic wraps an existing messages client.
func NewAnthropic(client MessageClient, opts ...AnthropicOption) *Anthropic {
	a := &Anthropic{
		client:    client,
		model:     defaultAnthropicModel,
		maxTokens: defaultAnthropicMaxTokens,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewAnthropicFromKey builds an SDK client for apiKey. An empty baseURL uses
// the SDK default endpoint.
func NewAnthropicFromKey(apiKey, baseURL string, opts ...AnthropicOption) *Anthropic {
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}
	client := anthropicsdk.NewClient(reqOpts...)
	return NewAnthropic(&client.Messages, opts...)
}

// Summarize implements Summarizer.
func (a *Anthropic) Summarize(ctx context.Context, req Request) (Result, error) {
	if req.Empty() {
		return Result{}, fmt.Errorf("%w: nothing to summarize", ErrSummarization)
	}
	prompt, err := a.prompt(req)
	if err != nil {
		return Result{}, fmt.Errorf("%w: encode request: %w", ErrSummarization, err)
	}

	msg, err := a.client.New(ctx, anthropicsdk.MessageNewParams{
		Model:     anthropicsdk.Model(a.model),
		MaxTokens: a.maxTokens,
		System:    []anthropicsdk.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropicsdk.MessageParam{
			anthropicsdk.NewUserMessage(anthropicsdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return Result{}, fmt.Errorf("%w: %w", ErrSummarization, err)
	}

	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return parseResult(sb.String())
}

func (a *Anthropic) prompt(req Request) (string, error) {
	payload := map[string]any{}
	if len(req.Events) > 0 {
		payload["events"] = req.Events
	}
	if len(req.Observations) > 0 {
		payload["observations"] = req.Observations
	}
	if len(req.Summaries) > 0 {
		payload["summaries"] = req.Summaries
	}
	if len(a.identities) > 0 {
		payload["user_identities"] = a.identities
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	instructions := req.Instructions
	if instructions == "" {
		instructions = PollInstructions
	}
	return instructions + "\n\nContext:\n" + string(body), nil
}

type modelReply struct {
	Summary         string   `json:"summary"`
	KeyPoints       []string `json:"key_points"`
	ImportanceScore *float64 `json:"importance_score"`
}

// parseResult extracts the JSON object from the model reply, tolerating
// code fences and surrounding prose.
func parseResult(text string) (Result, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end < start {
		return Result{}, fmt.Errorf("%w: reply has no JSON object", ErrSummarization)
	}
	var reply modelReply
	if err := json.Unmarshal([]byte(text[start:end+1]), &reply); err != nil {
		return Result{}, fmt.Errorf("%w: malformed reply: %w", ErrSummarization, err)
	}
	if strings.TrimSpace(reply.Summary) == "" {
		return Result{}, fmt.Errorf("%w: reply has empty summary", ErrSummarization)
	}
	if reply.ImportanceScore == nil {
		return Result{}, fmt.Errorf("%w: reply has no importance_score", ErrSummarization)
	}
	return Result{
		Text:       strings.TrimSpace(reply.Summary),
		KeyPoints:  reply.KeyPoints,
		Importance: model.ClampImportance(*reply.ImportanceScore),
	}, nil
}
