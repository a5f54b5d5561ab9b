package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/rocker/api/schemas"
	"github.com/xkilldash9x/rocker/internal/observability"
	"github.com/xkilldash9x/rocker/internal/scanner"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// scanReport is the printed result of a scan.
type scanReport struct {
	Route        string               `json:"route" yaml:"route"`
	Capabilities []schemas.Capability `json:"capabilities" yaml:"capabilities"`
}

// newScanCmd creates and configures the `scan` command.
func newScanCmd() *cobra.Command {
	var pf pageFlags
	var format string

	scanCmd := &cobra.Command{
		Use:         "scan",
		Short:       "Lists the fields and buttons the agent can discover on a page",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{annotationLogStream: logStreamStderr},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()
			cfg, err := getConfigFromContext(ctx)
			if err != nil {
				return err
			}
			if pf.static && pf.source == "" {
				return fmt.Errorf("--static requires --url")
			}

			p, release, err := openPage(ctx, cfg, &pf, logger)
			if err != nil {
				return err
			}
			defer release()

			route, err := p.Route(ctx)
			if err != nil {
				return fmt.Errorf("failed to read current route: %w", err)
			}
			caps := scanner.New(p, cfg.Scanner(), logger).Scan(ctx)
			report := scanReport{Route: route, Capabilities: make([]schemas.Capability, 0, len(caps))}
			for _, c := range caps {
				report.Capabilities = append(report.Capabilities, c.Capability)
			}
			logger.Info("Scan complete.", zap.String("route", route), zap.Int("capabilities", len(caps)))
			return writeReport(cmd.OutOrStdout(), report, format)
		},
	}

	pf.register(scanCmd)
	scanCmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json or yaml")
	return scanCmd
}

func writeReport(w io.Writer, r scanReport, format string) error {
	switch strings.ToLower(format) {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(w)
		defer enc.Close()
		return enc.Encode(r)
	case "text", "":
		fmt.Fprintf(w, "Route: %s\n", r.Route)
		if len(r.Capabilities) == 0 {
			fmt.Fprintln(w, "No capabilities found.")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "KIND\tNAME\tSELECTOR")
		for _, c := range r.Capabilities {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Kind, c.Name, c.Selector)
		}
		return tw.Flush()
	default:
		return fmt.Errorf("unsupported format %q", format)
	}
}
