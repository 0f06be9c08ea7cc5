package cli

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"finpilot/internal/config"
	"finpilot/internal/models"
	"finpilot/internal/services"

	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Work with automation rule definitions",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate FILE...",
	Short: "Validate rule files (yaml or json) without saving them",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		svc := services.NewAutomationService(cfg.Automation, services.AutomationDeps{})
		defer svc.Stop()

		out := cmd.OutOrStdout()
		invalid := 0
		for _, path := range args {
			rule, err := loadRule(path)
			if err == nil {
				err = svc.ValidateRule(rule)
			}
			if err == nil {
				fmt.Fprintf(out, "%s: ok\n", path)
				continue
			}
			invalid++
			var verr *services.ValidationError
			if errors.As(err, &verr) {
				fmt.Fprintf(out, "%s: invalid\n", path)
				fields := make([]string, 0, len(verr.Fields))
				for f := range verr.Fields {
					fields = append(fields, f)
				}
				sort.Strings(fields)
				for _, f := range fields {
					fmt.Fprintf(out, "  %s: %s\n", f, verr.Fields[f])
				}
				continue
			}
			fmt.Fprintf(out, "%s: %v\n", path, err)
		}
		if invalid > 0 {
			return fmt.Errorf("%d of %d rule files invalid", invalid, len(args))
		}
		return nil
	},
}

var (
	previewFlags   analysisFlags
	previewTrigger string
)

var rulesPreviewCmd = &cobra.Command{
	Use:   "preview FILE",
	Short: "Dry-run a rule against a trigger without invoking any action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rule, err := loadRule(args[0])
		if err != nil {
			return err
		}
		var trigger models.Trigger
		if previewTrigger != "" {
			f, err := os.Open(previewTrigger)
			if err != nil {
				return fmt.Errorf("open trigger file: %w", err)
			}
			defer f.Close()
			if err := decodeYAMLInto(f, &trigger); err != nil {
				return fmt.Errorf("trigger file %s: %w", previewTrigger, err)
			}
		}
		a, tc, err := previewFlags.offlineApp(cmd)
		if err != nil {
			return err
		}
		defer a.close()
		rule.TenantID = ""
		res, err := a.automation.PreviewAutomation(cmd.Context(), tc, rule, trigger)
		if err != nil {
			return explainErr(err)
		}
		return printJSON(cmd.OutOrStdout(), res)
	},
}

func init() {
	previewFlags.register(rulesPreviewCmd)
	rulesPreviewCmd.Flags().StringVar(&previewTrigger, "trigger", "", "trigger file (yaml or json); payload fields become event.*")
	rulesCmd.AddCommand(rulesValidateCmd, rulesPreviewCmd)
	rootCmd.AddCommand(rulesCmd)
}
