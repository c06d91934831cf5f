package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"lead-run-orchestrator/internal/app"
	"lead-run-orchestrator/internal/config"
	"lead-run-orchestrator/internal/followup"
	"lead-run-orchestrator/internal/models"
	"lead-run-orchestrator/internal/scheduler"
	"lead-run-orchestrator/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply Postgres document store migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg := config.Load()
		pg, err := store.NewPostgres(cmd.Context(), cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.RunMigrations(cmd.Context()); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
		return nil
	},
}

var (
	followupUser  string
	followupLimit int
)

var followupsCmd = &cobra.Command{
	Use:   "followups",
	Short: "Drain due follow-up tasks once",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			res, err := a.Followups.ProcessDue(cmd.Context(), followup.ProcessOptions{UserID: followupUser, Limit: followupLimit})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		})
	},
}

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Inspect and escalate failure-streak alerts",
}

var alertsOrg string

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an organization's alerts",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			alerts, err := a.Quota.ListAlerts(cmd.Context(), alertsOrg, 0)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), alerts)
		})
	},
}

var alertsEscalateCmd = &cobra.Command{
	Use:   "escalate",
	Short: "Escalate stale alerts across all organizations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			s, err := scheduler.New(scheduler.Config{Alerts: a.Quota, Logger: a.Logger})
			if err != nil {
				return err
			}
			n, err := s.EscalateAlerts(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "escalated %d alert(s)\n", n)
			return nil
		})
	},
}

var dncCmd = &cobra.Command{
	Use:   "dnc",
	Short: "Manage do-not-contact entries",
}

var (
	dncOrg    string
	dncType   string
	dncValue  string
	dncReason string
)

var dncAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a do-not-contact entry",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			e, err := a.DNC.Add(cmd.Context(), models.DncEntry{
				OrgID:           dncOrg,
				Type:            dncType,
				NormalizedValue: dncValue,
				Reason:          dncReason,
				CreatedBy:       "leadrunctl",
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), e)
		})
	},
}

var dncRemoveCmd = &cobra.Command{
	Use:   "remove",
	Short: "Remove a do-not-contact entry",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			return a.DNC.Remove(cmd.Context(), dncOrg, dncType, dncValue)
		})
	},
}

var dncListCmd = &cobra.Command{
	Use:   "list",
	Short: "List an organization's do-not-contact entries",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			entries, err := a.DNC.List(cmd.Context(), dncOrg, 0)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		})
	},
}

var (
	quotaOrg    string
	quotaLimits models.QuotaLimits
)

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show an organization's quota, optionally overriding its limits",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			if cmd.Flags().Changed("runs") || cmd.Flags().Changed("leads") || cmd.Flags().Changed("active") {
				if err := a.Quota.SetLimits(cmd.Context(), quotaOrg, quotaLimits); err != nil {
					return err
				}
			}
			st, err := a.Quota.State(cmd.Context(), quotaOrg)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), st)
		})
	},
}

var dlqCount int64

var dlqCmd = &cobra.Command{
	Use:   "dlq",
	Short: "Peek at dead-lettered step dispatches",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd.Context(), func(a *app.App) error {
			items, err := a.Queue.DLQPeek(cmd.Context(), dlqCount)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), items)
		})
	},
}

func init() {
	followupsCmd.Flags().StringVar(&followupUser, "user", "", "only drain this user's tasks")
	followupsCmd.Flags().IntVar(&followupLimit, "limit", 50, "maximum tasks to claim")

	alertsListCmd.Flags().StringVar(&alertsOrg, "org", "", "organization id")
	_ = alertsListCmd.MarkFlagRequired("org")
	alertsCmd.AddCommand(alertsListCmd, alertsEscalateCmd)

	for _, c := range []*cobra.Command{dncAddCmd, dncRemoveCmd, dncListCmd} {
		c.Flags().StringVar(&dncOrg, "org", "", "organization id")
		_ = c.MarkFlagRequired("org")
	}
	for _, c := range []*cobra.Command{dncAddCmd, dncRemoveCmd} {
		c.Flags().StringVar(&dncType, "type", "", "entry type: email, phone or domain")
		c.Flags().StringVar(&dncValue, "value", "", "value to suppress")
		_ = c.MarkFlagRequired("type")
		_ = c.MarkFlagRequired("value")
	}
	dncAddCmd.Flags().StringVar(&dncReason, "reason", "", "why the contact is suppressed")
	dncCmd.AddCommand(dncAddCmd, dncRemoveCmd, dncListCmd)

	quotaCmd.Flags().StringVar(&quotaOrg, "org", "", "organization id")
	quotaCmd.Flags().IntVar(&quotaLimits.MaxRunsPerDay, "runs", 0, "override max runs per day")
	quotaCmd.Flags().IntVar(&quotaLimits.MaxLeadsPerDay, "leads", 0, "override max leads per day")
	quotaCmd.Flags().IntVar(&quotaLimits.MaxActiveRuns, "active", 0, "override max concurrently active runs")
	_ = quotaCmd.MarkFlagRequired("org")

	dlqCmd.Flags().Int64Var(&dlqCount, "count", 20, "number of dispatches to show")

	rootCmd.AddCommand(migrateCmd, followupsCmd, alertsCmd, dncCmd, quotaCmd, dlqCmd)
}
