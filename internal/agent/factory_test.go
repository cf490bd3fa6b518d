package agent

import (
	"testing"
)

func TestNewInstanceModelSelection(t *testing.T) {
	factory, err := NewAnthropicFactory(Config{
		APIKey: "sk-ant-REDACTED",
		Model:  "claude-sonnet-4-20250514",
		ModelsByType: map[string]string{
			"coordinator": "claude-opus-4-20250514",
		},
	})
	if err != nil {
		t.Fatalf("NewAnthropicFactory failed: %v", err)
	}

	tests := []struct {
		name      string
		agentType string
		wantModel string
	}{
		{"default model", "worker", "claude-sonnet-4-20250514"},
		{"per-type override", "coordinator", "claude-opus-4-20250514"},
		{"empty type uses default", "", "claude-sonnet-4-20250514"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := factory.NewInstance(tt.agentType)
			if err != nil {
				t.Fatalf("NewInstance(%q) failed: %v", tt.agentType, err)
			}
			runner, ok := inst.(*Runner)
			if !ok {
				t.Fatalf("expected *Runner, got %T", inst)
			}
			if runner.Model() != tt.wantModel {
				t.Errorf("expected model %q, got %q", tt.wantModel, runner.Model())
			}
			if err := runner.Close(); err != nil {
				t.Errorf("Close failed: %v", err)
			}
		})
	}
}

func TestNewAnthropicFactoryRequiresKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	if _, err := NewAnthropicFactory(Config{}); err == nil {
		t.Fatal("expected error when no API key is available")
	}
}
