package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	api "github.com/leonardorey-coder/promptscript/api/http"
	"github.com/leonardorey-coder/promptscript/plan"
	"github.com/leonardorey-coder/promptscript/runlog"
	"github.com/leonardorey-coder/promptscript/types"
)

const memoryBlockHeader = "--- Memory Context ---"
const memoryBlockFooter = "--- End Memory ---"

// Adapter turns a Request into a validated Plan: it composes the message
// list, calls the provider, recovers JSON, validates against the plan
// schema, and retries with a terse correction on shape failures.
type Adapter struct {
	cfg      types.LLMConfig
	provider Provider
	clock    runlog.Clock
	onError  func(string)
}

type AdapterOption func(*Adapter)

// WithProvider overrides the provider chosen from the config.
func WithProvider(p Provider) AdapterOption {
	return func(a *Adapter) { a.provider = p }
}

// WithErrorSink receives every retryable failure, so the run log can
// record them at the current step.
func WithErrorSink(fn func(string)) AdapterOption {
	return func(a *Adapter) {
		if fn != nil {
			a.onError = fn
		}
	}
}

func NewAdapter(cfg types.LLMConfig, caller api.Caller, clock runlog.Clock, opts ...AdapterOption) *Adapter {
	a := &Adapter{
		cfg:     cfg,
		clock:   clock,
		onError: func(string) {},
	}
	switch cfg.Provider {
	case "cohere":
		a.provider = NewCohereProvider(cfg)
	default:
		a.provider = NewRestProvider(cfg, caller, clock)
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) Config() types.LLMConfig { return a.cfg }

// Request issues one logical LLM call. A MockPlan short-circuits the
// transport entirely: zero latency, zero tokens.
func (a *Adapter) Request(ctx context.Context, req Request) (Result, error) {
	if req.MockPlan != nil {
		p, err := plan.FromValue(req.MockPlan)
		if err != nil {
			return Result{}, err
		}
		return Result{Plan: p, Raw: string(p.MarshalCanonical())}, nil
	}

	msgs := a.compose(req)

	maxRetries := a.cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = types.DefaultLLMConfig().MaxRetries
	}
	retryDelay := time.Duration(a.cfg.RetryDelayMs) * time.Millisecond
	if retryDelay <= 0 {
		retryDelay = time.Duration(types.DefaultLLMConfig().RetryDelayMs) * time.Millisecond
	}

	start := a.clock.Now()
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			if err := a.clock.Sleep(ctx, retryDelay*time.Duration(1<<(attempt-1))); err != nil {
				return Result{}, err
			}
		}

		raw, tokens, err := a.provider.Complete(ctx, msgs)
		if err != nil {
			var te TimeoutError
			if errors.As(err, &te) {
				return Result{}, te
			}
			// Transport failures are counted retries.
			lastErr = err
			a.onError(err.Error())
			continue
		}

		p, err := plan.Extract(raw)
		if err != nil {
			// Shape failure: show the model its bad reply plus a terse
			// correction and try again.
			lastErr = err
			a.onError(err.Error())
			msgs = append(msgs,
				Message{Role: AssistantRole, Content: raw},
				Message{Role: UserRole, Content: fmt.Sprintf(
					"Your reply was not a valid plan: %v. Return ONLY one corrected JSON plan object, nothing else.", err)},
			)
			continue
		}

		return Result{
			Plan:      p,
			Raw:       raw,
			Tokens:    tokens,
			LatencyMs: a.clock.Now().Sub(start).Milliseconds(),
			Retries:   attempt,
		}, nil
	}

	return Result{}, fmt.Errorf("llm call failed after %d attempts: %w", maxRetries+1, lastErr)
}

// compose builds the message list: system (with the delimited memory
// block when present), optional structured context, history, user.
func (a *Adapter) compose(req Request) []Message {
	var msgs []Message

	system := req.System
	if req.MemoryBlock != "" {
		if system != "" {
			system += "\n\n"
		}
		system += memoryBlockHeader + "\n" + req.MemoryBlock + "\n" + memoryBlockFooter
	}
	if system != "" {
		msgs = append(msgs, Message{Role: SystemRole, Content: system})
	}

	if req.Context != "" {
		msgs = append(msgs, Message{Role: UserRole, Content: "Current context:\n" + req.Context})
	}

	msgs = append(msgs, req.History...)
	msgs = append(msgs, Message{Role: UserRole, Content: req.User})
	return msgs
}
