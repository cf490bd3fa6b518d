package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hivemind/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Display the effective hivemind configuration after merging defaults,
the user config (~/.config/hivemind/config.yaml), the project config
(.hivemind.yaml), and environment variables.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		displayConfig(cfg)
	},
}

func displayConfig(cfg *config.Config) {
	fmt.Printf("hierarchy.max_depth: %d\n", cfg.Hierarchy.MaxDepth)
	fmt.Printf("hierarchy.max_children: %d\n", cfg.Hierarchy.MaxChildren)

	fmt.Printf("cache.max_memory_bytes: %d\n", cfg.Cache.MaxMemoryBytes)
	fmt.Printf("cache.max_entries: %d\n", cfg.Cache.MaxEntries)
	fmt.Printf("cache.default_ttl: %s\n", cfg.Cache.DefaultTTL)
	fmt.Printf("cache.token_budget: %d\n", cfg.Cache.TokenBudget)

	fmt.Printf("pool.min_pool_size: %d\n", cfg.Pool.MinPoolSize)
	fmt.Printf("pool.max_pool_size: %d\n", cfg.Pool.MaxPoolSize)
	fmt.Printf("pool.checkout_timeout: %s\n", cfg.Pool.CheckoutTimeout)
	fmt.Printf("pool.recycle_after_uses: %d\n", cfg.Pool.RecycleAfterUses)
	fmt.Printf("pool.max_agent_age: %s\n", cfg.Pool.MaxAgentAge)
	fmt.Printf("pool.idle_timeout: %s\n", cfg.Pool.IdleTimeout)

	for key, tier := range cfg.Timeouts.Tiers {
		fmt.Printf("timeouts.tiers.%s: %s (%s)\n", key, tier.Timeout, tier.Label)
	}
	fmt.Printf("timeouts.default: %s (%s)\n", cfg.Timeouts.Default.Timeout, cfg.Timeouts.Default.Label)
	fmt.Printf("timeouts.min_timeout: %s\n", cfg.Timeouts.MinTimeout)

	fmt.Printf("optimizations.enable_caching: %t\n", cfg.Optimizations.EnableCaching)
	fmt.Printf("optimizations.enable_pooling: %t\n", cfg.Optimizations.EnablePooling)

	fmt.Printf("agent.api_key: %s\n", config.MaskAPIKey(cfg.Agent.APIKey))
	if cfg.Agent.UseAWSBedrock {
		fmt.Printf("agent.use_aws_bedrock: true (region %s)\n", cfg.Agent.AWSRegion)
	}
}
