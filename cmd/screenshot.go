// cmd/screenshot.go
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kestrelworks/sitewright/internal/observability"
)

// newScreenshotCmd creates and configures the `screenshot` command.
func newScreenshotCmd() *cobra.Command {
	var (
		username   string
		password   string
		outputPath string
	)

	screenshotCmd := &cobra.Command{
		Use:   "screenshot <url>",
		Short: "Captures a full-page screenshot of a rendered page",
		Args:  cobra.ExactArgs(1),
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

			shot, err := orch.Screenshot(ctx, handle, args[0])
			if err != nil {
				return err
			}
			if err := os.WriteFile(outputPath, shot, 0o644); err != nil {
				return fmt.Errorf("failed to write screenshot: %w", err)
			}

			logger.Info("Screenshot written.", zap.String("path", outputPath), zap.Int("bytes", len(shot)))
			fmt.Printf("Screenshot written to %s\n", outputPath)
			return nil
		},
	}

	screenshotCmd.Flags().StringVar(&username, "username", "", "Login username. Requires --password.")
	screenshotCmd.Flags().StringVar(&password, "password", "", "Login password. Requires --username.")
	screenshotCmd.Flags().StringVarP(&outputPath, "output", "o", "screenshot.png", "Output file path.")

	return screenshotCmd
}
