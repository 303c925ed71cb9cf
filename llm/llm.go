package llm

import (
	"context"
	"fmt"

	"github.com/leonardorey-coder/promptscript/plan"
)

const (
	SystemRole    = "system"
	UserRole      = "user"
	AssistantRole = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the adapter's input envelope. When MockPlan is set the call
// short-circuits: the plan schema parses it and no transport is touched.
type Request struct {
	System      string
	User        string
	Context     string
	History     []Message
	MemoryBlock string
	MockPlan    map[string]any
}

// Result carries the validated Plan plus the call's accounting.
type Result struct {
	Plan      plan.Plan
	Raw       string
	Tokens    int
	LatencyMs int64
	Retries   int
}

// TimeoutError is raised when the transport does not answer in time.
type TimeoutError struct {
	Ms int
}

func (e TimeoutError) Error() string {
	return fmt.Sprintf("Timeout: LLM request timed out after %dms", e.Ms)
}

// Provider turns a composed message list into one raw completion. The
// adapter owns JSON recovery, validation, and the counted retry loop;
// providers own transport-level concerns such as rate-limit waits.
//
//go:generate mockgen -destination=providermocks_test.go -package=llm_test github.com/leonardorey-coder/promptscript/llm Provider
type Provider interface {
	Complete(ctx context.Context, msgs []Message) (raw string, tokens int, err error)
}
