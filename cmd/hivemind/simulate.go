package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/hivemind/internal/agent"
	"github.com/ShayCichocki/hivemind/internal/cache"
	"github.com/ShayCichocki/hivemind/internal/config"
	"github.com/ShayCichocki/hivemind/internal/events"
	"github.com/ShayCichocki/hivemind/internal/hierarchy"
	"github.com/ShayCichocki/hivemind/internal/optimizer"
	"github.com/ShayCichocki/hivemind/internal/pool"
	"github.com/ShayCichocki/hivemind/internal/timeout"
	"github.com/ShayCichocki/hivemind/pkg/models"
)

var (
	simDepth      int
	simChildren   int
	simConfigPath string
	simLive       bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run an in-process delegation simulation",
	Long: `Exercise the delegation registry, agent pool, context cache, and
timeout calculator with a synthetic agent tree.

A root agent delegates to children, children delegate to grandchildren,
and so on down to the requested depth. Each delegation checks an agent
out of the pool, shares parent context through the cache, and records a
delegation that is completed before the tree is pruned.

Examples:
  hivemind simulate                  # 2 levels, 3 children per node
  hivemind simulate --depth 3        # full-depth tree
  hivemind simulate --children 5     # wider fan-out`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().IntVar(&simDepth, "depth", 2, "Delegation depth to simulate")
	simulateCmd.Flags().IntVar(&simChildren, "children", 3, "Children per delegating agent")
	simulateCmd.Flags().StringVar(&simConfigPath, "config", "", "Path to a config file (defaults to the merged config)")
	simulateCmd.Flags().BoolVar(&simLive, "live", false, "Pool real Anthropic-backed agents instead of synthetic ones")
}

// simInstance is the synthetic agent used by the simulation. It carries
// no connection; Close is bookkeeping only.
type simInstance struct {
	id string
}

func (s *simInstance) Close() error { return nil }

type simFactory struct{}

func (simFactory) NewInstance(agentType string) (pool.Instance, error) {
	return &simInstance{id: uuid.New().String()[:8]}, nil
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadSimConfig()
	if err != nil {
		return err
	}

	emitter := events.NewEmitter(256)
	defer emitter.Close()

	var eventCount int
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for range emitter.Events() {
			eventCount++
		}
	}()

	var factory pool.Factory = simFactory{}
	if simLive {
		af, err := agent.NewAnthropicFactory(cfg.Agent)
		if err != nil {
			return fmt.Errorf("creating agent factory: %w", err)
		}
		factory = af
	}

	registry := hierarchy.New(cfg.Hierarchy, emitter)
	mgr := optimizer.New(cfg.Optimizer(), factory, emitter)
	if err := mgr.Start(); err != nil {
		return fmt.Errorf("starting optimizations: %w", err)
	}

	// Edits to an explicit config file take effect mid-run.
	if simConfigPath != "" {
		err := config.Watch(simConfigPath, func(updated *config.Config) {
			mgr.ReloadTimeouts(updated.Timeouts.Build())
			printStatus("✓", "Reloaded timeout tiers from "+simConfigPath, color.FgGreen)
		})
		if err != nil {
			printStatus("⚠", fmt.Sprintf("config watch unavailable: %v", err), color.FgYellow)
		}
	}

	fmt.Printf("Simulating a depth-%d tree with %d children per agent...\n\n", simDepth, simChildren)

	rootID := "root-" + uuid.New().String()[:8]
	if _, err := registry.RegisterHierarchy("", rootID, models.NodeMetadata{AgentType: "coordinator"}); err != nil {
		mgr.Shutdown()
		return fmt.Errorf("registering root: %w", err)
	}
	registry.UpdateNodeStatus(rootID, models.NodeStatusActive)

	rootBudget := mgr.GetTimeout(0, timeout.Options{})
	printStatus("✓", fmt.Sprintf("Root %s registered (%s budget, tier %d)", rootID, rootBudget.Timeout, rootBudget.Tier), color.FgGreen)

	frontier := []string{rootID}
	budgets := map[string]time.Duration{rootID: rootBudget.Timeout}
	delegations := 0
	cacheHits := 0

	ctx := context.Background()
	for depth := 1; depth <= simDepth; depth++ {
		var next []string
		for _, parentID := range frontier {
			capacity := registry.CanDelegate(parentID)
			if !capacity.CanDelegate {
				printStatus("⚠", fmt.Sprintf("%s cannot delegate further", parentID), color.FgYellow)
				continue
			}

			// Every sibling reads the same parent context; only the
			// first fetch should miss.
			contextKey := "context:" + parentID
			for i := 0; i < simChildren; i++ {
				childID := fmt.Sprintf("agent-%d-%s", depth, uuid.New().String()[:8])

				_, err := registry.RegisterHierarchy(parentID, childID, models.NodeMetadata{
					AgentType: "worker",
					TaskID:    "task-" + uuid.New().String()[:8],
				})
				if err != nil {
					printStatus("✗", fmt.Sprintf("delegate %s -> %s: %v", parentID, childID, err), color.FgRed)
					continue
				}

				var before uint64
				if c := mgr.Cache(); c != nil {
					before = c.Stats().Hits
				}
				if _, err := mgr.GetOrSetContext(contextKey, func() (any, error) {
					return map[string]string{"parent": parentID, "task": "shared briefing"}, nil
				}, cache.SetOptions{ContextType: "task_context", OwnerAgentID: parentID, Shareable: true}); err != nil {
					printStatus("✗", fmt.Sprintf("context for %s: %v", childID, err), color.FgRed)
				}
				if c := mgr.Cache(); c != nil && c.Stats().Hits > before {
					cacheHits++
				}

				result := mgr.GetTimeout(depth, timeout.Options{
					ParentRemaining: budgets[parentID],
					Parallel:        true,
					SiblingCount:    simChildren,
				})
				budgets[childID] = result.Timeout

				slot, err := mgr.CheckoutAgent(ctx, pool.Criteria{})
				if err != nil {
					printStatus("✗", fmt.Sprintf("checkout for %s: %v", childID, err), color.FgRed)
					continue
				}

				rec, err := registry.RegisterDelegation(models.DelegationRecord{
					DelegationID:  uuid.New().String(),
					ParentAgentID: parentID,
					ChildAgentID:  childID,
					TaskID:        "task-" + uuid.New().String()[:8],
				})
				if err != nil {
					printStatus("✗", fmt.Sprintf("delegation for %s: %v", childID, err), color.FgRed)
					mgr.CheckinAgent(slot.ID, false)
					continue
				}

				registry.UpdateNodeStatus(childID, models.NodeStatusActive)
				if _, err := registry.UpdateDelegationStatus(rec.DelegationID, models.DelegationStatusCompleted, "done", ""); err != nil {
					printStatus("✗", fmt.Sprintf("completing %s: %v", rec.DelegationID, err), color.FgRed)
				}
				mgr.CheckinAgent(slot.ID, true)

				delegations++
				next = append(next, childID)
			}
		}
		if len(next) == 0 {
			break
		}
		fmt.Printf("Depth %d: %d agents, %s each\n", depth, len(next), budgets[next[0]])
		frontier = next
	}

	tree := registry.GetHierarchy(rootID)
	fmt.Println()
	printTree(tree, 0)

	poolStats := mgr.Status().Pool
	cacheStats := mgr.Status().Cache
	fmt.Println()
	fmt.Printf("Delegations:   %d\n", delegations)
	fmt.Printf("Pool:          %d created, %d checkouts, %d recycles\n", poolStats.Created, poolStats.Checkouts, poolStats.Recycles)
	fmt.Printf("Cache:         %d entries, %d hits, %d misses (%.0f%% hit rate)\n",
		cacheStats.Entries, cacheStats.Hits, cacheStats.Misses, cacheStats.HitRate*100)
	fmt.Printf("Shared reads:  %d\n", cacheHits)

	pruned := registry.PruneHierarchy(rootID)
	printStatus("✓", fmt.Sprintf("Pruned %d nodes and %d delegations", len(pruned.RemovedNodes), len(pruned.RemovedDelegations)), color.FgGreen)

	mgr.Shutdown()
	emitter.Close()
	<-drained
	fmt.Printf("Events:        %d emitted, %d dropped\n", eventCount, emitter.DroppedCount())
	return nil
}

func loadSimConfig() (*config.Config, error) {
	if simConfigPath != "" {
		cfg, err := config.LoadFromPath(simConfigPath)
		if err != nil {
			return nil, fmt.Errorf("loading config %s: %w", simConfigPath, err)
		}
		return cfg, nil
	}
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: falling back to defaults: %v\n", err)
		return config.Default(), nil
	}
	return cfg, nil
}

func printTree(tree *models.HierarchyTree, indent int) {
	if tree == nil {
		return
	}
	for i := 0; i < indent; i++ {
		fmt.Print("  ")
	}
	fmt.Printf("%s (depth %d, %s)\n", tree.AgentID, tree.Depth, tree.Status)
	for _, child := range tree.Subtree {
		printTree(child, indent+1)
	}
}

func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
