package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ignite/email-validator/internal/app"
	"github.com/ignite/email-validator/internal/domain"
	"github.com/ignite/email-validator/internal/keymanager"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Verifier credential commands",
	Long:  "Credentials are addressed by slot, their position in the configured key list.",
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "Show live credential state",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			states, err := a.Keys.Snapshot(ctx)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), states)
			}
			formatCredentials(cmd.OutOrStdout(), states, time.Now())
			return nil
		})
	},
}

var keysSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Seed configured credentials into both stores",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Control.SyncCredentials(ctx); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "synced %d credentials\n", a.Keys.Len())
			return nil
		})
	},
}

func keyStatusCmd(use string, status domain.CredentialStatus) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <slot>",
		Short: use + " the credential at a slot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				key, err := keyAtSlot(a.Keys.Keys(), args[0])
				if err != nil {
					return err
				}
				if status == domain.CredentialActive {
					err = a.Control.ActivateCredential(ctx, key, actorName)
				} else {
					err = a.Control.DeactivateCredential(ctx, key, actorName)
				}
				if err != nil {
					return err
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "slot %s (%s) %s\n", args[0], keymanager.Mask(key), status)
				return nil
			})
		},
	}
}

func keyAtSlot(keys []string, arg string) (string, error) {
	slot, err := strconv.Atoi(arg)
	if err != nil || slot < 0 || slot >= len(keys) {
		return "", fmt.Errorf("unknown credential slot %q (have %d)", arg, len(keys))
	}
	return keys[slot], nil
}

func init() {
	keysCmd.AddCommand(keysListCmd, keysSyncCmd,
		keyStatusCmd("activate", domain.CredentialActive),
		keyStatusCmd("deactivate", domain.CredentialDisabled),
	)
	rootCmd.AddCommand(keysCmd)
}

func formatCredentials(out io.Writer, states []keymanager.State, now time.Time) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SLOT\tKEY\tSTATE\tWINDOW\tCOOLDOWN")
	_, _ = fmt.Fprintln(w, "----\t---\t-----\t------\t--------")
	for _, s := range states {
		state := "idle"
		switch {
		case s.Disabled:
			state = "disabled"
		case s.InUse:
			state = "in use"
		}
		cooldown := "-"
		if s.CooldownUntil != nil {
			cooldown = s.CooldownUntil.Sub(now).Round(time.Second).String()
		}
		_, _ = fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", s.Slot, s.Key, state, s.WindowCount, cooldown)
	}
	_ = w.Flush()
}
