package types

// PolicyConfig is the declarative form of the permission set active while a
// script runs. The zero value denies every tool, so defaults are applied by
// DefaultPolicyConfig rather than by omission.
type PolicyConfig struct {
	AllowTools      []string `yaml:"allow_tools"`
	AllowCommands   []string `yaml:"allow_commands"`
	RequireApproval bool     `yaml:"require_approval"`
	MaxFileBytes    int      `yaml:"max_file_bytes"`
}

func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		AllowTools: []string{
			"READ_FILE", "SEARCH", "WRITE_FILE", "PATCH_FILE",
			"RUN_CMD", "ASK_USER", "REPORT", "RECALL",
		},
		AllowCommands: nil,
		MaxFileBytes:  500_000,
	}
}

// RestrictedPolicyConfig is the baseline a sub-workflow starts from when it
// does not inherit the parent policy.
func RestrictedPolicyConfig() PolicyConfig {
	return PolicyConfig{
		AllowTools:   []string{"READ_FILE", "SEARCH"},
		MaxFileBytes: 100_000,
	}
}

func (p PolicyConfig) Clone() PolicyConfig {
	out := p
	out.AllowTools = append([]string(nil), p.AllowTools...)
	out.AllowCommands = append([]string(nil), p.AllowCommands...)
	return out
}

func (p PolicyConfig) ToolAllowed(name string) bool {
	return containsString(p.AllowTools, name)
}

func (p PolicyConfig) CommandAllowed(cmd string) bool {
	return containsString(p.AllowCommands, cmd)
}

// BudgetConfig holds the numeric limits of a run. Zero means unlimited for
// that counter.
type BudgetConfig struct {
	MaxSteps     int     `yaml:"max_steps"`
	MaxTimeMs    int     `yaml:"max_time_ms"`
	MaxToolCalls int     `yaml:"max_tool_calls"`
	MaxLLMCalls  int     `yaml:"max_llm_calls"`
	MaxTokens    int     `yaml:"max_tokens"`
	MaxCostUsd   float64 `yaml:"max_cost_usd"`
}

// Merge overlays non-zero fields of o onto b.
func (b BudgetConfig) Merge(o BudgetConfig) BudgetConfig {
	out := b
	if o.MaxSteps > 0 {
		out.MaxSteps = o.MaxSteps
	}
	if o.MaxTimeMs > 0 {
		out.MaxTimeMs = o.MaxTimeMs
	}
	if o.MaxToolCalls > 0 {
		out.MaxToolCalls = o.MaxToolCalls
	}
	if o.MaxLLMCalls > 0 {
		out.MaxLLMCalls = o.MaxLLMCalls
	}
	if o.MaxTokens > 0 {
		out.MaxTokens = o.MaxTokens
	}
	if o.MaxCostUsd > 0 {
		out.MaxCostUsd = o.MaxCostUsd
	}
	return out
}

// LLMConfig configures one adapter instance.
type LLMConfig struct {
	Provider        string  `yaml:"provider"`
	Model           string  `yaml:"model"`
	APIKey          string  `yaml:"api_key"`
	URL             string  `yaml:"url"`
	CompletionsPath string  `yaml:"completions_path"`
	AuthHeader      string  `yaml:"auth_header"`
	AuthTokenPrefix string  `yaml:"auth_token_prefix"`
	Temperature     float64 `yaml:"temperature"`
	MaxTokens       int     `yaml:"max_tokens"`
	TimeoutMs       int     `yaml:"timeout_ms"`
	MaxRetries      int     `yaml:"max_retries"`
	RetryDelayMs    int     `yaml:"retry_delay_ms"`
}

func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:        "openai",
		Model:           "gpt-4o-mini",
		URL:             "https://api.openai.com",
		CompletionsPath: "/v1/chat/completions",
		AuthHeader:      "Authorization",
		AuthTokenPrefix: "Bearer ",
		Temperature:     0.2,
		MaxTokens:       4096,
		TimeoutMs:       120_000,
		MaxRetries:      3,
		RetryDelayMs:    500,
	}
}

// RunConfig is everything a single run needs.
type RunConfig struct {
	ProjectRoot string       `yaml:"project_root"`
	Policy      PolicyConfig `yaml:"policy"`
	Budget      BudgetConfig `yaml:"budget"`
	LLM         LLMConfig    `yaml:"llm"`
	DryRun      bool         `yaml:"dry_run"`
	HaltOnLoop  bool         `yaml:"halt_on_loop"`
}

func DefaultRunConfig(root string) RunConfig {
	return RunConfig{
		ProjectRoot: root,
		Policy:      DefaultPolicyConfig(),
		LLM:         DefaultLLMConfig(),
	}
}

func containsString(xs []string, s string) bool {
	for _, x := range xs {
		if x == s {
			return true
		}
	}
	return false
}
