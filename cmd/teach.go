package cmd

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/rocker/api/schemas"
	"github.com/xkilldash9x/rocker/internal/observability"
	"github.com/xkilldash9x/rocker/internal/router"
	"github.com/xkilldash9x/rocker/internal/service"
)

// newTeachCmd stores user-taught selectors and lists what has been learned.
func newTeachCmd() *cobra.Command {
	var pf pageFlags
	var list bool
	var route string

	teachCmd := &cobra.Command{
		Use:   "teach NAME SELECTOR",
		Short: "Teaches the agent which element a name refers to, or lists taught names",
		Example: `  rocker teach --url https://app.example.com/feed "post" "#composer button.primary"
  rocker teach --list --route /feed`,
		Annotations: map[string]string{annotationLogStream: logStreamStderr},
		Args: func(cmd *cobra.Command, args []string) error {
			if list {
				return cobra.NoArgs(cmd, args)
			}
			return cobra.ExactArgs(2)(cmd, args)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}

			if list {
				if route == "" {
					return errors.New("--list requires --route")
				}
				stores, pool, err := service.InitializeStores(ctx, cfg.Database(), logger)
				if err != nil {
					return err
				}
				if pool != nil {
					defer pool.Close()
				}
				entries, err := stores.Memory.List(ctx, route)
				if err != nil {
					return fmt.Errorf("failed to list selector memory: %w", err)
				}
				return writeEntries(cmd, entries)
			}

			agent, err := buildAgent(ctx, cfg, &pf, logger)
			if err != nil {
				return err
			}
			defer agent.Shutdown()

			out := agent.Router.Dispatch(ctx, router.Intent{
				Source:  router.SourceUI,
				Command: router.Teach{Name: args[0], Selector: args[1]},
			})
			printOutcome(cmd, out)
			if !out.Success {
				return errors.New("teach failed")
			}
			return nil
		},
	}

	pf.register(teachCmd)
	teachCmd.Flags().BoolVar(&list, "list", false, "List stored names instead of teaching one")
	teachCmd.Flags().StringVar(&route, "route", "", "Route to list, e.g. /feed")
	return teachCmd
}

func writeEntries(cmd *cobra.Command, entries []schemas.SelectorMemoryEntry) error {
	w := cmd.OutOrStdout()
	if len(entries) == 0 {
		fmt.Fprintln(w, "Nothing stored for this route.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSELECTOR\tKIND\tTAUGHT")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%t\n", e.Name, e.Selector, e.Metadata.Kind, e.Metadata.Flagged)
	}
	return tw.Flush()
}
