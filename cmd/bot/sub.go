package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"popovka-vpn/internal/models"
	"popovka-vpn/internal/subscription"
)

func newSubCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sub",
		Short: "Inspect and change subscriptions",
	}
	cmd.AddCommand(
		newSubShowCmd(),
		newSubListCmd(),
		newSubCreateCmd(),
		newSubFreezeCmd(),
		newSubUnfreezeCmd(),
		newSubMoveCmd(),
		newSubNoteCmd(),
		newSubAutoRenewCmd(),
		newSubCancelCmd(),
	)
	return cmd
}

func parseID(s string) (uint, error) {
	n, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return uint(n), nil
}

// withEngine wires the app, runs fn against the engine and prints the result.
func withEngine(cmd *cobra.Command, args []string, fn func(ctx context.Context, e *subscription.Engine, id uint) (*models.Subscription, error)) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := newApp(ctx, runtimeConfig, false)
	if err != nil {
		return err
	}
	defer a.Close()

	sub, err := fn(ctx, a.engine, id)
	if err != nil {
		return err
	}
	printSubscription(cmd.OutOrStdout(), sub)
	return nil
}

func newSubShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, args, func(ctx context.Context, e *subscription.Engine, id uint) (*models.Subscription, error) {
				return e.Get(ctx, id)
			})
		},
	}
}

func newSubListCmd() *cobra.Command {
	var userID uint
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == 0 {
				return fmt.Errorf("--user is required")
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, runtimeConfig, false)
			if err != nil {
				return err
			}
			defer a.Close()

			subs, err := a.engine.ListByUser(ctx, userID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i := range subs {
				printSubscription(out, &subs[i])
				fmt.Fprintln(out)
			}
			fmt.Fprintf(out, "%d subscription(s)\n", len(subs))
			return nil
		},
	}
	cmd.Flags().UintVar(&userID, "user", 0, "user id")
	return cmd
}

func newSubCreateCmd() *cobra.Command {
	var (
		userID, planID uint
		autoRenew      bool
		method         string
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an active subscription starting now",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, runtimeConfig, false)
			if err != nil {
				return err
			}
			defer a.Close()

			sub, err := a.store.Create(ctx, subscription.CreateParams{
				UserID:        userID,
				PlanID:        planID,
				AutoRenew:     autoRenew,
				PaymentMethod: method,
			})
			if err != nil {
				return err
			}
			printSubscription(cmd.OutOrStdout(), sub)
			return nil
		},
	}
	cmd.Flags().UintVar(&userID, "user", 0, "user id")
	cmd.Flags().UintVar(&planID, "plan", 0, "plan id")
	cmd.Flags().BoolVar(&autoRenew, "auto-renew", false, "renew automatically at end date")
	cmd.Flags().StringVar(&method, "method", "balance", "auto-renew payment method")
	return cmd
}

func newSubFreezeCmd() *cobra.Command {
	var (
		days     int
		until    string
		reason   string
		skipSync bool
	)
	cmd := &cobra.Command{
		Use:   "freeze <id>",
		Short: "Freeze a subscription and disable its panel client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := subscription.FreezeParams{Reason: reason, SkipPanelSync: skipSync}
			switch {
			case until != "":
				t, err := time.Parse(time.RFC3339, until)
				if err != nil {
					return fmt.Errorf("invalid --until: %w", err)
				}
				params.EndDate = &t
			case days > 0:
				t := time.Now().Add(time.Duration(days) * 24 * time.Hour)
				params.EndDate = &t
			}
			return withEngine(cmd, args, func(ctx context.Context, e *subscription.Engine, id uint) (*models.Subscription, error) {
				return e.Freeze(ctx, id, params)
			})
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "unfreeze automatically after this many days")
	cmd.Flags().StringVar(&until, "until", "", "unfreeze automatically at this RFC3339 time")
	cmd.Flags().StringVar(&reason, "reason", "", "freeze reason")
	cmd.Flags().BoolVar(&skipSync, "skip-panel-sync", false, "change local state only")
	return cmd
}

func newSubUnfreezeCmd() *cobra.Command {
	var skipSync bool
	cmd := &cobra.Command{
		Use:   "unfreeze <id>",
		Short: "Unfreeze a subscription and enable its panel client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, args, func(ctx context.Context, e *subscription.Engine, id uint) (*models.Subscription, error) {
				return e.Unfreeze(ctx, id, subscription.UnfreezeParams{SkipPanelSync: skipSync})
			})
		},
	}
	cmd.Flags().BoolVar(&skipSync, "skip-panel-sync", false, "change local state only")
	return cmd
}

func newSubMoveCmd() *cobra.Command {
	var (
		panelID   uint
		inboundID int
		skipSync  bool
	)
	cmd := &cobra.Command{
		Use:   "move <id>",
		Short: "Move a subscription to another panel and/or inbound",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := subscription.ChangeParams{SkipPanelSync: skipSync}
			if cmd.Flags().Changed("panel") {
				params.PanelID = &panelID
			}
			if cmd.Flags().Changed("inbound") {
				params.InboundID = &inboundID
			}
			return withEngine(cmd, args, func(ctx context.Context, e *subscription.Engine, id uint) (*models.Subscription, error) {
				return e.ChangeProtocolOrLocation(ctx, id, params)
			})
		},
	}
	cmd.Flags().UintVar(&panelID, "panel", 0, "target panel id")
	cmd.Flags().IntVar(&inboundID, "inbound", 0, "target inbound id")
	cmd.Flags().BoolVar(&skipSync, "skip-panel-sync", false, "change local state only")
	return cmd
}

func newSubNoteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "note <id> <text>",
		Short: "Append an operator note",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args[1:], " ")
			return withEngine(cmd, args, func(ctx context.Context, e *subscription.Engine, id uint) (*models.Subscription, error) {
				return e.AddNote(ctx, id, text)
			})
		},
	}
}

func newSubAutoRenewCmd() *cobra.Command {
	var method string
	cmd := &cobra.Command{
		Use:       "autorenew <id> on|off",
		Short:     "Turn auto-renewal on or off",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var enabled bool
			switch args[1] {
			case "on":
				enabled = true
			case "off":
			default:
				return fmt.Errorf("expected on or off, got %q", args[1])
			}
			return withEngine(cmd, args, func(ctx context.Context, e *subscription.Engine, id uint) (*models.Subscription, error) {
				return e.ToggleAutoRenew(ctx, id, enabled, method)
			})
		},
	}
	cmd.Flags().StringVar(&method, "method", "balance", "payment method used for renewal")
	return cmd
}

func newSubCancelCmd() *cobra.Command {
	var (
		reason   string
		skipSync bool
	)
	cmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a subscription and disable its panel client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd, args, func(ctx context.Context, e *subscription.Engine, id uint) (*models.Subscription, error) {
				return e.Cancel(ctx, id, subscription.CancelParams{Reason: reason, SkipPanelSync: skipSync})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "cancellation reason")
	cmd.Flags().BoolVar(&skipSync, "skip-panel-sync", false, "change local state only")
	return cmd
}

func printSubscription(w io.Writer, sub *models.Subscription) {
	fmt.Fprintf(w, "Subscription #%d (user %d, plan %d)\n", sub.ID, sub.UserID, sub.PlanID)
	status := string(sub.Status)
	if sub.IsFrozen {
		status += ", frozen"
		if sub.FreezeEndDate != nil {
			status += " until " + sub.FreezeEndDate.Format(time.RFC3339)
		}
		if sub.FreezeReason != "" {
			status += " (" + sub.FreezeReason + ")"
		}
	}
	fmt.Fprintf(w, "  status:     %s\n", status)
	fmt.Fprintf(w, "  period:     %s - %s\n", sub.StartDate.Format(time.RFC3339), sub.EndDate.Format(time.RFC3339))
	fmt.Fprintf(w, "  auto-renew: %t %s\n", sub.AutoRenew, sub.AutoRenewPaymentMethod)
	fmt.Fprintf(w, "  client:     %s", sub.Provisioning())
	if sub.Provisioning() == models.Provisioned {
		fmt.Fprintf(w, " panel=%d inbound=%d email=%s uuid=%s", sub.Panel(), sub.Inbound(), sub.Email(), sub.UUID())
	}
	fmt.Fprintln(w)
	for _, n := range sub.Notes {
		fmt.Fprintf(w, "  note %s: %s\n", n.CreatedAt.Format(time.RFC3339), n.Text)
	}
}
