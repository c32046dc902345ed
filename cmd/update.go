// cmd/update.go
package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kestrelworks/sitewright/internal/observability"
)

// newUpdateCmd creates and configures the `update` command.
func newUpdateCmd() *cobra.Command {
	var (
		username   string
		password   string
		outputPath string
	)

	updateCmd := &cobra.Command{
		Use:   "update <url> <locator> <content>",
		Short: "Replaces the content of the element a CSS locator resolves to",
		Long: `Connects to the site, resolves the locator on the live page, and replaces
its content. Content containing markup is applied as HTML, plain strings as
text. The previous content is printed so the change can be reviewed or undone.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			creds, err := credentialsFromFlags(username, password)
			if err != nil {
				return err
			}

			components, err := initializeComponents(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer components.Shutdown(ctx)
			orch := components.Orchestrator

			handle, err := orch.Connect(ctx, args[0], creds)
			if err != nil {
				return err
			}
			defer func() {
				if err := orch.Disconnect(ctx, handle); err != nil {
					logger.Warn("Disconnect failed.", zap.Error(err))
				}
			}()

			result, err := orch.UpdateContent(ctx, handle, args[0], args[1], args[2])
			if err != nil {
				return err
			}
			return writeJSON(result, outputPath)
		},
	}

	updateCmd.Flags().StringVar(&username, "username", "", "Login username. Requires --password.")
	updateCmd.Flags().StringVar(&password, "password", "", "Login password. Requires --username.")
	updateCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the update result to a file instead of stdout.")

	return updateCmd
}
