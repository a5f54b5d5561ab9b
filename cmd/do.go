package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xkilldash9x/rocker/internal/observability"
	"github.com/xkilldash9x/rocker/internal/router"
)

// newDoCmd runs one command against a page, the same way the overlay would.
func newDoCmd() *cobra.Command {
	var pf pageFlags
	var tool, rawArgs string

	doCmd := &cobra.Command{
		Use:   "do [utterance...]",
		Short: "Runs a single command, e.g. \"click post\" or \"fill search with horses\"",
		Example: `  rocker do --static --url ./site "type arabian horses into search"
  rocker do --url https://app.example.com --tool navigate --args '{"route":"feed"}'`,
		Annotations: map[string]string{annotationLogStream: logStreamStderr},
		Args: func(cmd *cobra.Command, args []string) error {
			if tool == "" && len(args) == 0 {
				return errors.New("an utterance or --tool is required")
			}
			if tool != "" && len(args) > 0 {
				return errors.New("use either an utterance or --tool, not both")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			var in router.Intent
			if tool != "" {
				toolArgs := map[string]any{}
				if rawArgs != "" {
					if err := json.Unmarshal([]byte(rawArgs), &toolArgs); err != nil {
						return fmt.Errorf("invalid --args JSON: %w", err)
					}
				}
				command, err := router.ParseToolCall(tool, toolArgs)
				if err != nil {
					return err
				}
				in = router.Intent{Source: router.SourceTool, Command: command}
			} else {
				in = router.Intent{Source: router.SourceUI, Command: router.ParseUtterance(strings.Join(args, " "))}
			}

			agent, err := buildAgent(ctx, cfg, &pf, logger)
			if err != nil {
				return err
			}
			defer agent.Shutdown()
			agent.Recorder.Start(ctx)

			out := agent.Router.Dispatch(ctx, in)
			logger.Debug("Command finished.", zap.String("command", router.Name(in.Command)), zap.Bool("success", out.Success))
			printOutcome(cmd, out)
			if !out.Success && !out.Silent {
				return fmt.Errorf("%s failed", router.Name(in.Command))
			}
			return nil
		},
	}

	pf.register(doCmd)
	doCmd.Flags().StringVar(&tool, "tool", "", "Run a named tool instead of parsing an utterance (see the MCP tool list)")
	doCmd.Flags().StringVar(&rawArgs, "args", "", "JSON object of tool arguments")
	return doCmd
}

func printOutcome(cmd *cobra.Command, out router.Outcome) {
	w := cmd.OutOrStdout()
	if out.Message != "" {
		fmt.Fprintln(w, out.Message)
	}
	if out.Data != "" {
		fmt.Fprintln(w, out.Data)
	}
}
