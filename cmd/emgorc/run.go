package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/timrozday-mgnify/emgapi-v2/internal/engine"
	"github.com/timrozday-mgnify/emgapi-v2/pkg/schema"
)

var runWait bool

var runCmd = &cobra.Command{
	Use:   "run <request.yaml>",
	Short: "Submit a run from a request file",
	Long:  "Reads a RunRequest document (YAML or JSON), validates it and creates a\nrun. With --wait the command drives the run to its conclusion instead of\nleaving it to a running server.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx := cmd.Context()
		if err := a.store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var req schema.RunRequest
		if err := yaml.Unmarshal(data, &req); err != nil {
			return fmt.Errorf("parse request %s: %w", args[0], err)
		}
		if err := a.validator.Validate(&req); err != nil {
			return err
		}

		run, err := a.controller.StartRun(ctx, &req)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s created (%d jobs)\n", run.ID, len(run.Specs))

		if !runWait {
			return nil
		}

		// Drive the run locally: step whenever the suspension expires.
		for {
			outcome, err := a.controller.Step(ctx, run.ID)
			if err != nil {
				return err
			}
			if outcome.Kind != engine.OutcomeSuspended {
				return printOutcome(cmd, outcome)
			}
			wait := time.Until(outcome.ResumeAfter)
			if wait < 0 {
				wait = 0
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
	},
}

func init() {
	runCmd.Flags().BoolVar(&runWait, "wait", false, "block until the run concludes")
}

func printOutcome(cmd *cobra.Command, outcome *engine.Outcome) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(outcome); err != nil {
		return err
	}
	if outcome.Kind != engine.OutcomeFinished {
		return fmt.Errorf("run concluded as %s", outcome.Kind)
	}
	return nil
}
