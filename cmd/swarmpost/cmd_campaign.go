package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"swarmpost/internal/campaign"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	campaignName       string
	campaignTexts      []string
	campaignTarget     string
	campaignAttachment string
	campaignTags       []string
	campaignFromDrafts int
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Create, run, and inspect campaigns",
}

var campaignCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a campaign from texts and/or staged drafts",
	Long: `Creates a campaign and enqueues it.

Duplicate content is reported as warnings, never blocked: a text matching an
earlier job in the same batch, or a successful post within the lookback
window, is flagged so you can cancel before running.

Example:
  swarmpost campaign create --name launch --text "hello" --text "world"
  swarmpost campaign create --name backlog --from-drafts 5 --tags en`,
	RunE: campaignCreate,
}

var campaignRunCmd = &cobra.Command{
	Use:   "run [campaign-id]",
	Short: "Process a campaign's jobs in order",
	Long: `Processes the campaign's jobs strictly in index order, rotating
profiles least-recently-used first. Any interrupted checkpoint found on the
way in is reconciled first, never re-executed.

With --dry-run the scripted executor stands in for the browser; every job
"succeeds" without touching anything external.`,
	Args: cobra.ExactArgs(1),
	RunE: campaignRun,
}

var campaignStatusCmd = &cobra.Command{
	Use:   "status [campaign-id]",
	Short: "Show campaigns, or one campaign's jobs and results",
	Args:  cobra.MaximumNArgs(1),
	RunE:  campaignStatus,
}

var draftAddCmd = &cobra.Command{
	Use:   "draft [text]",
	Short: "Stage a text for a future campaign",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := buildApp()
		if err != nil {
			return err
		}
		if err := a.drafts.Add(args[0], campaignTarget); err != nil {
			return err
		}
		fmt.Printf("staged draft (%d pending)\n", len(a.drafts.List()))
		return nil
	},
}

func init() {
	campaignCreateCmd.Flags().StringVar(&campaignName, "name", "", "Campaign name (required)")
	campaignCreateCmd.Flags().StringArrayVar(&campaignTexts, "text", nil, "Job text (repeatable)")
	campaignCreateCmd.Flags().StringVar(&campaignTarget, "target", "", "Target URL for every job")
	campaignCreateCmd.Flags().StringVar(&campaignAttachment, "attachment", "", "Attachment path for every job")
	campaignCreateCmd.Flags().StringSliceVar(&campaignTags, "tags", nil, "Restrict rotation to profiles with these tags")
	campaignCreateCmd.Flags().IntVar(&campaignFromDrafts, "from-drafts", 0, "Consume up to N staged drafts as jobs")
	campaignCreateCmd.MarkFlagRequired("name")

	campaignRunCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Use the scripted executor instead of a browser")

	draftAddCmd.Flags().StringVar(&campaignTarget, "target", "", "Target URL for the draft")

	campaignCmd.AddCommand(campaignCreateCmd)
	campaignCmd.AddCommand(campaignRunCmd)
	campaignCmd.AddCommand(campaignStatusCmd)
	campaignCmd.AddCommand(draftAddCmd)
	rootCmd.AddCommand(campaignCmd)
}

func campaignCreate(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	var jobs []campaign.Job
	for _, text := range campaignTexts {
		jobs = append(jobs, campaign.Job{
			Text:       text,
			Target:     campaignTarget,
			Attachment: campaignAttachment,
		})
	}
	if campaignFromDrafts > 0 {
		taken, err := a.drafts.Take(campaignFromDrafts)
		if err != nil {
			return err
		}
		jobs = append(jobs, taken...)
	}
	if len(jobs) == 0 {
		return fmt.Errorf("no jobs: pass --text or --from-drafts")
	}

	c, conflicts, err := a.queue.Create(campaignName, jobs, campaignTags)
	if err != nil {
		return err
	}

	fmt.Printf("created campaign %s (%d jobs)\n", c.ID, len(c.Jobs))
	for _, conflict := range conflicts {
		if conflict.CampaignID != "" {
			fmt.Printf("  warning: job %d duplicates a post from campaign %s (%s)\n",
				conflict.JobIndex, conflict.CampaignID, conflict.Scope)
		} else {
			fmt.Printf("  warning: job %d duplicates an earlier job in this batch\n", conflict.JobIndex)
		}
	}
	return nil
}

func campaignRun(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	id := args[0]
	logger.Info("running campaign", zap.String("id", id), zap.Bool("dry_run", dryRun))
	if err := a.runner.Process(ctx, id); err != nil {
		return err
	}
	return printCampaign(a, id)
}

func campaignStatus(cmd *cobra.Command, args []string) error {
	a, err := buildApp()
	if err != nil {
		return err
	}

	if len(args) == 1 {
		return printCampaign(a, args[0])
	}

	campaigns := a.queue.List()
	if len(campaigns) == 0 {
		fmt.Println("no campaigns")
		return nil
	}
	for _, c := range campaigns {
		inflight := ""
		if c.Inflight != nil {
			inflight = fmt.Sprintf("  [inflight: job %d, phase %s]", c.Inflight.JobIndex, c.Inflight.Phase)
		}
		fmt.Printf("%s  %-12s %s  %d/%d jobs%s\n",
			c.ID, c.Status, c.Name, len(c.Results), len(c.Jobs), inflight)
	}
	return nil
}

func printCampaign(a *app, id string) error {
	c, err := a.queue.Get(id)
	if err != nil {
		return err
	}

	fmt.Printf("%s (%s) - %s, %d/%d jobs done\n", c.Name, c.ID, c.Status, len(c.Results), len(c.Jobs))
	byIndex := make(map[int]campaign.JobResult, len(c.Results))
	for _, r := range c.Results {
		byIndex[r.Index] = r
	}
	for _, j := range c.Jobs {
		r, done := byIndex[j.Index]
		switch {
		case !done:
			fmt.Printf("  %3d  pending    %q\n", j.Index, truncate(j.Text, 48))
		case r.Success:
			fmt.Printf("  %3d  %-9s  %q  via %s\n", j.Index, r.Method, truncate(j.Text, 48), r.ProfileName)
		default:
			note := r.Reason
			if r.RecoveredFromInflight {
				note = "recovered after crash: " + note
			}
			fmt.Printf("  %3d  %-9s  %q  (%s)\n", j.Index, r.Method, truncate(j.Text, 48), note)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
