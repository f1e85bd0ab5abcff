package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/kfetch/internal/config"
	"github.com/goodtune/kfetch/internal/policy"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	checkURL    string
	checkAction string
)

var checkCmd = &cobra.Command{
	Use:   "check [flags] USER",
	Short: "Check the access policy decision for a user",
	Long:  `Evaluate the configured access policy for a user and print the decision.`,
	Example: `  kfetch -c config.yaml check 123456789
  kfetch check --action extract-audio --url https://example.com/v/1 123456789`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().StringVar(&checkURL, "url", "", "Link being submitted (optional)")
	checkCmd.Flags().StringVar(&checkAction, "action", "", "Chosen action, empty for a link submission")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	engine, err := policy.NewEngine(cfg.Policy, zerolog.New(io.Discard))
	if err != nil {
		return fmt.Errorf("failed to initialize Policy Engine: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req := policy.Request{User: args[0], Action: checkAction, URL: checkURL}
	decision, err := engine.Authorize(ctx, req)
	if err != nil {
		return fmt.Errorf("policy evaluation failed: %w", err)
	}

	printDecision(cfg.Policy, req, decision)
	return nil
}

func printDecision(cfg config.PolicyConfig, req policy.Request, decision policy.Decision) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	source := "built-in"
	if cfg.Dir != "" {
		source = cfg.Dir
	}

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = cyan.Println("ACCESS POLICY CHECK")
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()

	fmt.Printf("User:       %s\n", req.User)
	if req.Action != "" {
		fmt.Printf("Action:     %s\n", req.Action)
	}
	if req.URL != "" {
		fmt.Printf("URL:        %s\n", req.URL)
	}
	fmt.Printf("Policy:     %s\n", source)
	fmt.Println()

	_, _ = cyan.Print("Decision:   ")
	if decision.Allow {
		_, _ = green.Println("ALLOW")
	} else {
		_, _ = red.Println("DENY")
	}
	fmt.Printf("Reason:     %s\n", decision.Reason)

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
}
