// cmd/detect.go
package cmd

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kestrelworks/sitewright/api/schemas"
	"github.com/kestrelworks/sitewright/internal/observability"
)

// newDetectCmd creates and configures the `detect` command.
func newDetectCmd() *cobra.Command {
	var (
		visualMode    bool
		username      string
		password      string
		outputPath    string
		screenshotOut string
	)

	detectCmd := &cobra.Command{
		Use:   "detect <url>",
		Short: "Detects the labeled content sections of a rendered page",
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

			var sections []schemas.CandidateSection
			if visualMode {
				var shot []byte
				sections, shot, err = orch.DetectSectionsVisual(ctx, handle, args[0])
				if err != nil {
					return err
				}
				if screenshotOut != "" && len(shot) > 0 {
					if err := os.WriteFile(screenshotOut, shot, 0o644); err != nil {
						return fmt.Errorf("failed to write screenshot: %w", err)
					}
					logger.Info("Screenshot written.", zap.String("path", screenshotOut))
				}
			} else {
				sections, err = orch.DetectSections(ctx, handle, args[0])
				if err != nil {
					return err
				}
			}

			return writeJSON(sections, outputPath)
		},
	}

	detectCmd.Flags().BoolVar(&visualMode, "visual", false, "Use geometric layout analysis instead of markup analysis.")
	detectCmd.Flags().StringVar(&username, "username", "", "Login username. Requires --password.")
	detectCmd.Flags().StringVar(&password, "password", "", "Login password. Requires --username.")
	detectCmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write the section list to a file instead of stdout.")
	detectCmd.Flags().StringVar(&screenshotOut, "screenshot-out", "", "With --visual, write the full-page screenshot here.")

	return detectCmd
}

// writeJSON renders v as indented JSON to stdout or to a file.
func writeJSON(v any, path string) error {
	data, err := jsoniter.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode output: %w", err)
	}
	if path == "" {
		fmt.Println(string(data))
		return nil
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write output: %w", err)
	}
	return nil
}
