package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"swarmpost/internal/appeal"

	"github.com/spf13/cobra"
)

var appealCmd = &cobra.Command{
	Use:   "appeal",
	Short: "Verification and appeal batches for restricted profiles",
}

var appealRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a full verification + appeal batch now",
	Long: `Runs the complete workflow once: releases lapsed restrictions,
flags checkpoint walls for a human, verifies the rest concurrently, and
appeals confirmed-active restrictions in rounds.

Only one batch can run at a time; if one is already in progress this
command reports busy and exits.`,
	RunE: appealRun,
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify restricted profiles without appealing",
	RunE:  verifyRun,
}

func init() {
	appealRunCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Use the scripted executor instead of a browser")
	verifyCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Use the scripted executor instead of a browser")

	appealCmd.AddCommand(appealRunCmd)
	rootCmd.AddCommand(appealCmd)
	rootCmd.AddCommand(verifyCmd)
}

func appealRun(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := a.engine.BatchAppealAll(ctx, nil)
	if errors.Is(err, appeal.ErrBusy) {
		fmt.Println("a batch is already running")
		return nil
	}
	if err != nil {
		return err
	}
	printSummary(summary, true)
	return nil
}

func verifyRun(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary, err := a.engine.VerifyAll(ctx, nil)
	if errors.Is(err, appeal.ErrBusy) {
		fmt.Println("a batch is already running")
		return nil
	}
	if err != nil {
		return err
	}
	printSummary(summary, false)
	return nil
}

func printSummary(s *appeal.Summary, appealed bool) {
	fmt.Printf("batch finished in %s\n", s.FinishedAt.Sub(s.StartedAt).Round(time.Millisecond))
	fmt.Printf("  expired (auto-unblocked): %d\n", s.Expired)
	fmt.Printf("  needs captcha:            %d\n", s.NeedsCaptcha)
	fmt.Printf("  resolved on verify:       %d\n", s.Resolved)
	fmt.Printf("  in review:                %d\n", s.InReview)
	fmt.Printf("  still restricted:         %d\n", s.StillRestricted)
	fmt.Printf("  unknown:                  %d\n", s.Unknown)
	if appealed {
		fmt.Printf("  appealed:                 %d\n", s.Appealed)
		fmt.Printf("  resolved by appeal:       %d\n", s.AppealResolved)
		fmt.Printf("  exhausted:                %d\n", s.Exhausted)
	}
	for _, r := range s.Results {
		note := string(r.Scenario)
		if r.Outcome != "" {
			note += "/" + string(r.Outcome)
		}
		if r.Unblocked {
			note += " -> unblocked"
		}
		if r.Appealed {
			note += fmt.Sprintf(" (%d attempts)", r.Attempts)
		}
		fmt.Printf("    %-20s %s\n", r.Name, note)
	}
}
