package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	restrictHours  int
	restrictReason string
	profileTags    []string
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "Inspect and manage the profile ledger",
}

var profilesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List profiles with usage and restriction state",
	RunE:  profilesList,
}

var profilesUnblockCmd = &cobra.Command{
	Use:   "unblock [name]",
	Short: "Manually release a profile's restriction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		if err := a.ledger.Unblock(args[0]); err != nil {
			return err
		}
		fmt.Printf("unblocked %s\n", args[0])
		return nil
	},
}

var profilesRestrictCmd = &cobra.Command{
	Use:   "restrict [name]",
	Short: "Manually restrict a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		if err := a.ledger.MarkRestricted(args[0], restrictHours, restrictReason); err != nil {
			return err
		}
		fmt.Printf("restricted %s for %dh\n", args[0], restrictHours)
		return nil
	},
}

var profilesTagCmd = &cobra.Command{
	Use:   "tag [name]",
	Short: "Replace a profile's tags",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		if err := a.ledger.SetTags(args[0], profileTags); err != nil {
			return err
		}
		fmt.Printf("tagged %s: %s\n", args[0], strings.Join(profileTags, ", "))
		return nil
	},
}

func init() {
	profilesRestrictCmd.Flags().IntVar(&restrictHours, "hours", 24, "Restriction duration in hours")
	profilesRestrictCmd.Flags().StringVar(&restrictReason, "reason", "manual", "Restriction reason")
	profilesTagCmd.Flags().StringSliceVar(&profileTags, "tags", nil, "Tags to set")

	profilesCmd.AddCommand(profilesListCmd)
	profilesCmd.AddCommand(profilesUnblockCmd)
	profilesCmd.AddCommand(profilesRestrictCmd)
	profilesCmd.AddCommand(profilesTagCmd)
	rootCmd.AddCommand(profilesCmd)
}

func profilesList(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	profiles := a.ledger.List()
	if len(profiles) == 0 {
		fmt.Println("no profiles registered")
		return nil
	}

	for _, p := range profiles {
		lastUsed := "never"
		if p.LastUsedAt != nil {
			lastUsed = p.LastUsedAt.Format(time.RFC3339)
		}
		line := fmt.Sprintf("%-20s %-10s used %-4d last %s", p.Name, p.Status, p.UsageCount, lastUsed)
		if p.Restricted() {
			until := "manual release"
			if p.RestrictionExpiresAt != nil {
				until = "until " + p.RestrictionExpiresAt.Format(time.RFC3339)
			}
			line += fmt.Sprintf("  [restricted %s: %s]", until, p.RestrictionReason)
		}
		if p.AppealState != "" {
			line += fmt.Sprintf("  [appeal: %s, %d attempts]", p.AppealState, p.AppealAttempts)
		}
		if len(p.Tags) > 0 {
			line += "  tags=" + strings.Join(p.Tags, ",")
		}
		fmt.Println(line)
	}
	return nil
}
