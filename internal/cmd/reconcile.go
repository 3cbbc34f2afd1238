package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tradeboard/tradeboard/internal/app"
	"github.com/tradeboard/tradeboard/internal/store"
)

func newReconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Re-read subscription state from Stripe for every billable user",
		Args:  cobra.NoArgs,
		RunE:  runReconcile,
	}
	cmd.Flags().String("user", "", "reconcile a single user id")
	return cmd
}

func runReconcile(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}
	if !cfg.Billing.Enabled {
		return errors.New("billing is not enabled in this config")
	}

	db, err := store.New(cfg.Storage)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer func() { _ = db.Close() }()

	r := app.NewReconciler(cfg, db, logger)
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	if userID, _ := cmd.Flags().GetString("user"); userID != "" {
		state, err := r.Reconcile(ctx, userID)
		if err != nil {
			return fmt.Errorf("reconcile %s: %w", userID, err)
		}
		_, _ = fmt.Fprintf(out, "%s: tier=%s premium=%t status=%s\n",
			userID, state.Tier, state.Premium, state.SubscriptionStatus)
		return nil
	}

	ok, failed, err := r.ReconcileAll(ctx)
	_, _ = fmt.Fprintf(out, "reconciled %d users, %d failed\n", ok, failed)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	return nil
}
