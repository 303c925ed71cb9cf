package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	nethttp "net/http"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	. "github.com/onsi/gomega"
	"github.com/sclevine/spec"
	"github.com/sclevine/spec/report"

	api "github.com/leonardorey-coder/promptscript/api/http"
	"github.com/leonardorey-coder/promptscript/llm"
	"github.com/leonardorey-coder/promptscript/plan"
	"github.com/leonardorey-coder/promptscript/runlog"
	"github.com/leonardorey-coder/promptscript/types"
)

func TestUnitAdapter(t *testing.T) {
	spec.Run(t, "Testing the LLM adapter", testAdapter, spec.Report(report.Terminal{}))
}

func completion(content string, tokens int) api.Response {
	body, _ := json.Marshal(map[string]any{
		"choices": []any{map[string]any{"message": map[string]any{"content": content}}},
		"usage":   map[string]any{"total_tokens": tokens},
	})
	return api.Response{Status: 200, Headers: nethttp.Header{}, Body: body}
}

func testAdapter(t *testing.T, when spec.G, it spec.S) {
	var ctrl *gomock.Controller

	it.Before(func() {
		RegisterTestingT(t)
		ctrl = gomock.NewController(t)
	})

	it.After(func() {
		ctrl.Finish()
	})

	cfg := func() types.LLMConfig {
		c := types.DefaultLLMConfig()
		c.APIKey = "test-key"
		c.RetryDelayMs = 1
		c.TimeoutMs = 2000
		return c
	}

	when("mock plans", func() {
		it("short-circuits the transport entirely", func() {
			caller := NewMockCaller(ctrl) // no Post expectation: any call fails the test

			a := llm.NewAdapter(cfg(), caller, runlog.NewRealClock())
			res, err := a.Request(context.Background(), llm.Request{
				User: ".",
				MockPlan: map[string]any{
					"action": "REPORT",
					"args":   map[string]any{"message": "ok"},
					"done":   true,
				},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Plan.Action).To(Equal(plan.ActionReport))
			Expect(res.Tokens).To(Equal(0))
			Expect(res.LatencyMs).To(Equal(int64(0)))
			Expect(res.Retries).To(Equal(0))
		})

		it("rejects a mock plan that fails the schema", func() {
			caller := NewMockCaller(ctrl)

			a := llm.NewAdapter(cfg(), caller, runlog.NewRealClock())
			_, err := a.Request(context.Background(), llm.Request{
				User:     ".",
				MockPlan: map[string]any{"action": "NOT_A_THING"},
			})
			var se plan.SchemaError
			Expect(errors.As(err, &se)).To(BeTrue())
		})
	})

	when("request composition", func() {
		it("sends model, messages, temperature, max_tokens, and json response format", func() {
			caller := NewMockCaller(ctrl)
			caller.EXPECT().Post(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
				func(url string, headers map[string]string, body []byte) (api.Response, error) {
					Expect(url).To(Equal("https://api.openai.com/v1/chat/completions"))
					Expect(headers["Authorization"]).To(Equal("Bearer test-key"))

					var req map[string]any
					Expect(json.Unmarshal(body, &req)).To(Succeed())
					Expect(req["model"]).To(Equal("gpt-4o-mini"))
					Expect(req["response_format"]).To(Equal(map[string]any{"type": "json_object"}))

					msgs := req["messages"].([]any)
					first := msgs[0].(map[string]any)
					Expect(first["role"]).To(Equal("system"))
					Expect(first["content"]).To(ContainSubstring("--- Memory Context ---"))
					Expect(first["content"]).To(ContainSubstring("halfway done"))
					Expect(first["content"]).To(ContainSubstring("--- End Memory ---"))

					last := msgs[len(msgs)-1].(map[string]any)
					Expect(last["role"]).To(Equal("user"))
					Expect(last["content"]).To(Equal("continue"))

					return completion(`{"action":"REPORT","args":{"message":"hi"},"done":true}`, 42), nil
				})

			a := llm.NewAdapter(cfg(), caller, runlog.NewRealClock())
			res, err := a.Request(context.Background(), llm.Request{
				System:      "base prompt",
				User:        "continue",
				MemoryBlock: "halfway done",
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Tokens).To(Equal(42))
			Expect(res.Plan.StringArg("message")).To(Equal("hi"))
		})
	})

	when("JSON recovery", func() {
		it("extracts a plan wrapped in markdown fences", func() {
			caller := NewMockCaller(ctrl)
			caller.EXPECT().Post(gomock.Any(), gomock.Any(), gomock.Any()).Return(
				completion("```json\n{\"action\":\"READ_FILE\",\"args\":{\"path\":\"a.txt\"},\"done\":false}\n```", 10), nil)

			a := llm.NewAdapter(cfg(), caller, runlog.NewRealClock())
			res, err := a.Request(context.Background(), llm.Request{User: "."})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Plan.Action).To(Equal(plan.ActionReadFile))
		})

		it("retries with a correction when the reply fails the schema", func() {
			caller := NewMockCaller(ctrl)
			gomock.InOrder(
				caller.EXPECT().Post(gomock.Any(), gomock.Any(), gomock.Any()).Return(
					completion(`{"action":"READ_FILE","args":{}}`, 5), nil),
				caller.EXPECT().Post(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
					func(url string, headers map[string]string, body []byte) (api.Response, error) {
						var req map[string]any
						Expect(json.Unmarshal(body, &req)).To(Succeed())
						msgs := req["messages"].([]any)
						last := msgs[len(msgs)-1].(map[string]any)
						Expect(last["content"]).To(ContainSubstring("not a valid plan"))
						return completion(`{"action":"READ_FILE","args":{"path":"a.txt"},"done":false}`, 5), nil
					}),
			)

			a := llm.NewAdapter(cfg(), caller, runlog.NewRealClock())
			res, err := a.Request(context.Background(), llm.Request{User: "."})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Retries).To(Equal(1))
		})

		it("gives up after the configured retries", func() {
			c := cfg()
			c.MaxRetries = 2

			caller := NewMockCaller(ctrl)
			caller.EXPECT().Post(gomock.Any(), gomock.Any(), gomock.Any()).Return(
				completion("utter nonsense", 1), nil).Times(3)

			a := llm.NewAdapter(c, caller, runlog.NewRealClock())
			_, err := a.Request(context.Background(), llm.Request{User: "."})
			Expect(err).To(MatchError(ContainSubstring("failed after 3 attempts")))
		})
	})

	when("transport policy", func() {
		it("honors Retry-After on 429 without consuming a retry attempt", func() {
			c := cfg()
			c.MaxRetries = 0 // any counted retry would fail the request

			headers := nethttp.Header{}
			headers.Set("Retry-After", "0.001")

			caller := NewMockCaller(ctrl)
			gomock.InOrder(
				caller.EXPECT().Post(gomock.Any(), gomock.Any(), gomock.Any()).Return(
					api.Response{Status: 429, Headers: headers, Body: []byte("slow down")}, nil),
				caller.EXPECT().Post(gomock.Any(), gomock.Any(), gomock.Any()).Return(
					completion(`{"action":"REPORT","args":{"message":"ok"},"done":true}`, 1), nil),
			)

			a := llm.NewAdapter(c, caller, runlog.NewRealClock())
			res, err := a.Request(context.Background(), llm.Request{User: "."})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Retries).To(Equal(0))
		})

		it("gives up after ten rate-limit waits", func() {
			c := cfg()
			c.MaxRetries = 0

			headers := nethttp.Header{}
			headers.Set("Retry-After", "0.001")

			caller := NewMockCaller(ctrl)
			caller.EXPECT().Post(gomock.Any(), gomock.Any(), gomock.Any()).Return(
				api.Response{Status: 429, Headers: headers, Body: nil}, nil).Times(11)

			a := llm.NewAdapter(c, caller, runlog.NewRealClock())
			_, err := a.Request(context.Background(), llm.Request{User: "."})
			Expect(err).To(MatchError(ContainSubstring("rate limited")))
		})

		it("fails fast on other non-2xx statuses", func() {
			c := cfg()
			c.MaxRetries = 0

			caller := NewMockCaller(ctrl)
			caller.EXPECT().Post(gomock.Any(), gomock.Any(), gomock.Any()).Return(
				api.Response{Status: 500, Body: []byte("server broke")}, nil)

			a := llm.NewAdapter(c, caller, runlog.NewRealClock())
			_, err := a.Request(context.Background(), llm.Request{User: "."})
			Expect(err).To(MatchError(ContainSubstring("http status 500")))
			Expect(err).To(MatchError(ContainSubstring("server broke")))
		})

		it("counts network failures as retries with backoff", func() {
			caller := NewMockCaller(ctrl)
			gomock.InOrder(
				caller.EXPECT().Post(gomock.Any(), gomock.Any(), gomock.Any()).Return(
					api.Response{}, fmt.Errorf("connection refused")),
				caller.EXPECT().Post(gomock.Any(), gomock.Any(), gomock.Any()).Return(
					completion(`{"action":"REPORT","args":{"message":"ok"},"done":true}`, 1), nil),
			)

			a := llm.NewAdapter(cfg(), caller, runlog.NewRealClock())
			res, err := a.Request(context.Background(), llm.Request{User: "."})
			Expect(err).NotTo(HaveOccurred())
			Expect(res.Retries).To(Equal(1))
		})

		it("times out a hanging request", func() {
			c := cfg()
			c.TimeoutMs = 50
			c.MaxRetries = 0

			caller := NewMockCaller(ctrl)
			caller.EXPECT().Post(gomock.Any(), gomock.Any(), gomock.Any()).DoAndReturn(
				func(url string, headers map[string]string, body []byte) (api.Response, error) {
					time.Sleep(500 * time.Millisecond)
					return completion("late", 0), nil
				})

			a := llm.NewAdapter(c, caller, runlog.NewRealClock())
			_, err := a.Request(context.Background(), llm.Request{User: "."})
			var te llm.TimeoutError
			Expect(errors.As(err, &te)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("LLM request timed out"))
		})
	})
}
