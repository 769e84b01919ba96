package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/yairfalse/jarru/ingest"
	"github.com/yairfalse/jarru/telemetry"
)

var handleCmd = &cobra.Command{
	Use:   "handle [event-file]",
	Short: "Evaluate one cost event against the loaded policies",
	Long: `Evaluate a single cost event and apply whatever the matching
policy decides: record a dry-run plan, request approval, or attach
the deny policies right away.

The event is read as JSON from the given file, or from stdin when
no file is given. Raw AWS Budgets SNS envelopes and the native
jarru event format are both accepted.`,
	Example: `  jarru handle event.json
  cat sns-message.json | jarru handle
  jarru handle --dry-run event.json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runHandle,
}

func init() {
	rootCmd.AddCommand(handleCmd)
}

func runHandle(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := loadMergedConfig()
	if err != nil {
		return err
	}
	logger := telemetry.NewLogger("jarru")

	raw, err := readEventInput(args)
	if err != nil {
		return err
	}
	event, err := ingest.NewBudgetParser(logger).Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing event: %w", err)
	}

	app, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	result, err := app.orch.HandleEvent(ctx, event)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// readEventInput reads the event JSON from the file argument or stdin.
// "-" means stdin, same as no argument.
func readEventInput(args []string) ([]byte, error) {
	if len(args) == 1 && args[0] != "-" {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return nil, fmt.Errorf("reading event file: %w", err)
		}
		return raw, nil
	}
	raw, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, fmt.Errorf("reading event from stdin: %w", err)
	}
	return raw, nil
}
