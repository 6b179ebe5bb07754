package producer

import (
	"context"
	stderrors "errors"
	"net/http"

	"github.com/sashabaranov/go-openai"

	coacherrors "coach/internal/errors"
	"coach/internal/logging"
)

const maxCompletionTokens = 4096

// OpenAI gathers evidence through a chat completion in JSON mode.
type OpenAI struct {
	client *openai.Client
	model  string
	logger *logging.Logger
}

// NewOpenAI builds the adapter. The caller resolves the API key (the
// config names the environment variable holding it).
func NewOpenAI(apiKey, model string, logger *logging.Logger) (*OpenAI, error) {
	if apiKey == "" {
		return nil, coacherrors.New(coacherrors.ValidationFailed, "producer API key is not set")
	}
	if model == "" {
		return nil, coacherrors.New(coacherrors.ValidationFailed, "producer model is not set")
	}
	return &OpenAI{
		client: openai.NewClient(apiKey),
		model:  model,
		logger: logger,
	}, nil
}

// Evidence implements Producer. The caller's context deadline bounds
// the API call; any failure surfaces as a retryable producer error.
func (p *OpenAI) Evidence(ctx context.Context, req Request) (*EvidenceSet, error) {
	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:     p.model,
		MaxTokens: maxCompletionTokens,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: userPrompt(req)},
		},
	})
	if err != nil {
		return nil, classifyAPIError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, coacherrors.New(coacherrors.ProducerFailed, "model returned no choices")
	}

	set, err := ParseEvidence(resp.Choices[0].Message.Content, req.Dimensions)
	if err != nil {
		return nil, err
	}
	set.Model = p.model

	p.logger.Debug("producer evidence gathered", map[string]interface{}{
		"call_id":    req.CallID,
		"dimensions": len(req.Dimensions),
		"tokens":     resp.Usage.TotalTokens,
	})
	return set, nil
}

// classifyAPIError folds transport and API failures into the producer
// error code. The message distinguishes quota exhaustion from other
// failures because callers back off differently on it.
func classifyAPIError(err error) error {
	var apiErr *openai.APIError
	if stderrors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == http.StatusTooManyRequests:
			return coacherrors.Wrap(coacherrors.ProducerFailed, "model quota exhausted", err)
		case apiErr.HTTPStatusCode == http.StatusUnauthorized || apiErr.HTTPStatusCode == http.StatusForbidden:
			return coacherrors.Wrap(coacherrors.ProducerFailed, "model authentication failed", err)
		case apiErr.HTTPStatusCode >= 500:
			return coacherrors.Wrap(coacherrors.ProducerFailed, "model backend unavailable", err)
		}
	}
	return coacherrors.Wrap(coacherrors.ProducerFailed, "producer call failed", err)
}
