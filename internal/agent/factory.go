// Package agent provides the concrete agent factory injected into the pool.
// Instances wrap an Anthropic API client, reached either directly with an
// API key or through AWS Bedrock.
package agent

import (
	"context"
	"fmt"
	"os"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/ShayCichocki/hivemind/internal/pool"
)

// Config contains configuration for the Anthropic-backed factory.
type Config struct {
	// Model is the default Claude model for new instances.
	Model string `mapstructure:"model"`
	// ModelsByType overrides the model per agent type.
	ModelsByType map[string]string `mapstructure:"models_by_type"`
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY.
	APIKey string `mapstructure:"api_key"`
	// MaxTokens caps each response.
	MaxTokens int64 `mapstructure:"max_tokens"`
	// UseAWSBedrock indicates whether to use AWS Bedrock instead of the
	// direct API.
	UseAWSBedrock bool `mapstructure:"use_aws_bedrock"`
	// AWSRegion is the AWS region for Bedrock (e.g., "us-west-2").
	AWSRegion string `mapstructure:"aws_region"`
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string `mapstructure:"aws_profile"`
	// Retry bounds the transient-error retry loop around API calls.
	Retry RetryConfig `mapstructure:"retry"`
}

// AnthropicFactory creates pool instances backed by the Anthropic API.
// One SDK client is shared across every instance; instances differ only in
// the model selected for their agent type.
type AnthropicFactory struct {
	client    anthropic.Client
	cfg       Config
	maxTokens int64
}

// NewAnthropicFactory creates a factory from the given configuration.
func NewAnthropicFactory(cfg Config) (*AnthropicFactory, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		ctx := context.Background()

		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}

		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return &AnthropicFactory{
		client:    anthropic.NewClient(opts...),
		cfg:       cfg,
		maxTokens: maxTokens,
	}, nil
}

// NewInstance creates a runner for the given agent type.
func (f *AnthropicFactory) NewInstance(agentType string) (pool.Instance, error) {
	model := f.cfg.Model
	if override, ok := f.cfg.ModelsByType[agentType]; ok {
		model = override
	}
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_20250514)
	}

	return &Runner{
		client:    f.client,
		model:     anthropic.Model(model),
		maxTokens: f.maxTokens,
		retry:     f.cfg.Retry,
	}, nil
}

// Runner is one pooled agent instance: a model selection over the shared
// Anthropic client.
type Runner struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	retry     RetryConfig
}

// Run sends a single-turn prompt and returns the concatenated text blocks
// of the response. Transient API failures are retried with backoff.
func (r *Runner) Run(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:     r.model,
		MaxTokens: r.maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	var resp *anthropic.Message
	err := withRetry(ctx, r.retry, string(r.model), func() error {
		var callErr error
		resp, callErr = r.client.Messages.New(ctx, params)
		return callErr
	})
	if err != nil {
		return "", fmt.Errorf("API call failed: %w", err)
	}

	var result string
	for _, block := range resp.Content {
		if variant, ok := block.AsAny().(anthropic.TextBlock); ok {
			result += variant.Text
		}
	}
	return result, nil
}

// Model returns the model this runner is bound to.
func (r *Runner) Model() string {
	return string(r.model)
}

// Close satisfies pool.Instance. The shared client needs no teardown.
func (r *Runner) Close() error {
	return nil
}
