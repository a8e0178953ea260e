package decision

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/huyquangict/nof1.ai/internal/common"
	"github.com/huyquangict/nof1.ai/internal/exchange"
)

const systemPrompt = `You are the trading decision generator for a leveraged ` +
	`perpetual futures account. You receive one JSON snapshot of market ` +
	`data, account state, open positions, and recent history per call. ` +
	`Respond with a single JSON object: {"rationale": string, "intents": ` +
	`[{"kind":"open","symbol":...,"side":"LONG"|"SHORT","leverage":int,` +
	`"amountQuote":number} | {"kind":"close","symbol":...,"percentage":number}]}. ` +
	`When blockNewOpens is true you may only emit close intents. An empty ` +
	`intents array is a valid answer.`

// LLMClient talks to an OpenAI-compatible chat-completions endpoint and
// turns its structured JSON answer into a Decision.
type LLMClient struct {
	rest       *resty.Client
	base       string
	key        string
	model      string
	retryDelay time.Duration
}

// NewLLMClient builds a generator against an OpenAI-compatible API.
func NewLLMClient(baseURL, apiKey, model string, timeout time.Duration) *LLMClient {
	r := resty.New()
	if timeout > 0 {
		r.SetTimeout(timeout)
	} else {
		r.SetTimeout(60 * time.Second)
	}
	return &LLMClient{rest: r, base: baseURL, key: apiKey, model: model, retryDelay: 2 * time.Second}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	Temperature    float64       `json:"temperature"`
	ResponseFormat struct {
		Type string `json:"type"`
	} `json:"response_format"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate sends the snapshot and parses the structured answer. The
// call is retried on transport and server errors; a malformed answer is
// not retried because the model already consumed the budget once.
func (c *LLMClient) Generate(ctx context.Context, snap Snapshot) (Decision, error) {
	payload, err := json.Marshal(snap)
	if err != nil {
		return Decision{}, fmt.Errorf("marshal snapshot: %w", err)
	}

	req := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: string(payload)},
		},
	}
	req.ResponseFormat.Type = "json_object"

	var content string
	err = common.Retry(ctx, common.DefaultDecisionRetries, c.retryDelay, retryableLLMError, func() error {
		var out chatResponse
		resp, err := c.rest.R().
			SetContext(ctx).
			SetHeader("Authorization", "Bearer "+c.key).
			SetHeader("Content-Type", "application/json").
			SetBody(req).
			SetResult(&out).
			Post(c.base + "/chat/completions")
		if err != nil {
			return &transportError{err}
		}
		if resp.StatusCode() >= 500 || resp.StatusCode() == 429 {
			return &transportError{fmt.Errorf("status %d", resp.StatusCode())}
		}
		if resp.StatusCode() != 200 {
			if out.Error != nil {
				return fmt.Errorf("llm: %s (%s)", out.Error.Message, out.Error.Type)
			}
			return fmt.Errorf("llm: status %d", resp.StatusCode())
		}
		if len(out.Choices) == 0 {
			return &transportError{fmt.Errorf("llm: empty choices")}
		}
		content = out.Choices[0].Message.Content
		return nil
	})
	if err != nil {
		return Decision{}, err
	}

	var dec Decision
	if err := json.Unmarshal([]byte(content), &dec); err != nil {
		return Decision{}, fmt.Errorf("parse decision json: %w (raw: %.200s)", err, content)
	}

	// Drop malformed intents rather than failing the whole tick; the
	// valid remainder still executes.
	valid := dec.Intents[:0]
	for _, intent := range dec.Intents {
		intent.Side = exchange.PositionSide(strings.ToLower(string(intent.Side)))
		if err := intent.Validate(); err != nil {
			log.Warn().Err(err).Str("symbol", intent.Symbol).Msg("dropping malformed intent")
			continue
		}
		valid = append(valid, intent)
	}
	dec.Intents = valid

	log.Info().
		Int("intents", len(dec.Intents)).
		Str("model", c.model).
		Msg("decision received")
	return dec, nil
}

type transportError struct{ err error }

func (e *transportError) Error() string { return e.err.Error() }
func (e *transportError) Unwrap() error { return e.err }

func retryableLLMError(err error) bool {
	_, ok := err.(*transportError)
	return ok
}
