package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	api "github.com/leonardorey-coder/promptscript/api/http"
	"github.com/leonardorey-coder/promptscript/runlog"
	"github.com/leonardorey-coder/promptscript/types"
)

const maxRateLimitWaits = 10

type completionRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseFormat map[string]any  `json:"response_format"`
}

type completionResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// RestProvider speaks the JSON-body chat contract over a Caller. It owns
// the rate-limit wait loop and the request timeout; counted retries live
// in the adapter above it.
type RestProvider struct {
	cfg    types.LLMConfig
	caller api.Caller
	clock  runlog.Clock
}

func NewRestProvider(cfg types.LLMConfig, caller api.Caller, clock runlog.Clock) *RestProvider {
	return &RestProvider{cfg: cfg, caller: caller, clock: clock}
}

func (p *RestProvider) Complete(ctx context.Context, msgs []Message) (string, int, error) {
	body, err := json.Marshal(completionRequest{
		Model:          p.cfg.Model,
		Messages:       msgs,
		Temperature:    p.cfg.Temperature,
		MaxTokens:      p.cfg.MaxTokens,
		ResponseFormat: map[string]any{"type": "json_object"},
	})
	if err != nil {
		return "", 0, err
	}

	url := p.cfg.URL + p.cfg.CompletionsPath
	headers := map[string]string{}
	if p.cfg.APIKey != "" {
		headers[p.cfg.AuthHeader] = p.cfg.AuthTokenPrefix + p.cfg.APIKey
	}

	for waits := 0; ; {
		resp, err := p.post(ctx, url, headers, body)
		if err != nil {
			return "", 0, err
		}

		if resp.Status == 429 {
			waits++
			if waits > maxRateLimitWaits {
				return "", 0, fmt.Errorf("rate limited %d times in a row, giving up", waits)
			}
			if err := p.clock.Sleep(ctx, rateLimitDelay(resp)); err != nil {
				return "", 0, err
			}
			continue
		}

		if resp.Status < 200 || resp.Status >= 300 {
			return "", 0, fmt.Errorf("http status %d: %s", resp.Status, strings.TrimSpace(string(resp.Body)))
		}

		var cr completionResponse
		if err := json.Unmarshal(resp.Body, &cr); err != nil {
			return "", 0, fmt.Errorf("malformed completion response: %w", err)
		}
		if len(cr.Choices) == 0 {
			return "", 0, fmt.Errorf("completion response has no choices")
		}
		return cr.Choices[0].Message.Content, cr.Usage.TotalTokens, nil
	}
}

// post races the transport against the configured timeout.
func (p *RestProvider) post(ctx context.Context, url string, headers map[string]string, body []byte) (api.Response, error) {
	timeoutMs := p.cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = types.DefaultLLMConfig().TimeoutMs
	}

	type outcome struct {
		resp api.Response
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		resp, err := p.caller.Post(url, headers, body)
		ch <- outcome{resp, err}
	}()

	timer := time.NewTimer(time.Duration(timeoutMs) * time.Millisecond)
	defer timer.Stop()

	select {
	case o := <-ch:
		return o.resp, o.err
	case <-timer.C:
		return api.Response{}, TimeoutError{Ms: timeoutMs}
	case <-ctx.Done():
		return api.Response{}, ctx.Err()
	}
}

var reTryAgain = regexp.MustCompile(`try again in (\d+(?:\.\d+)?)s`)

// rateLimitDelay reads the Retry-After header, else a "try again in Xs"
// snippet from the body, else falls back to one second.
func rateLimitDelay(resp api.Response) time.Duration {
	if ra := resp.Headers.Get("Retry-After"); ra != "" {
		if secs, err := strconv.ParseFloat(ra, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	if m := reTryAgain.FindStringSubmatch(string(resp.Body)); m != nil {
		if secs, err := strconv.ParseFloat(m[1], 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return time.Second
}
