// cmd/sessions.go
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kestrelworks/sitewright/internal/observability"
	"github.com/kestrelworks/sitewright/internal/orchestrator"
)

// newSessionsCmd groups maintenance operations on the encrypted session
// store. These work on disk only; no browser is launched.
func newSessionsCmd() *cobra.Command {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Maintains the encrypted session store",
	}

	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Removes expired session records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := buildStore(cfg, observability.GetLogger())
			if err != nil {
				return err
			}
			removed := store.Sweep()
			fmt.Printf("Removed %d expired session record(s).\n", removed)
			return nil
		},
	}

	invalidateCmd := &cobra.Command{
		Use:   "invalidate <site-url>",
		Short: "Deletes the stored session for one site",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			siteID, err := orchestrator.SiteID(args[0])
			if err != nil {
				return err
			}
			store, err := buildStore(cfg, observability.GetLogger())
			if err != nil {
				return err
			}
			store.Invalidate(siteID)
			fmt.Printf("Session state for %s invalidated.\n", siteID)
			return nil
		},
	}

	sessionsCmd.AddCommand(sweepCmd)
	sessionsCmd.AddCommand(invalidateCmd)
	return sessionsCmd
}
