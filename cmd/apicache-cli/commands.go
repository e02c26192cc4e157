package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/adakings/apicache"
	"github.com/adakings/apicache/internal/cache"
	"github.com/adakings/apicache/internal/strategies"
)

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <config-file>",
		Short: "Validate a cache configuration file (JSON/YAML)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			cfg, err := apicache.LoadConfig(args[0])
			if err != nil {
				return err
			}
			table, err := cfg.Table()
			if err != nil {
				return err
			}

			green.Fprintln(out, "✓ Config is valid")
			fmt.Fprintf(out, "  Backend:     %s\n", cfg.Backend.BaseURL)
			fmt.Fprintf(out, "  Rules:       %d\n", len(table.Rules))
			fmt.Fprintf(out, "  Categories:  %d\n", len(table.Categories))
			if cfg.EventLog.Enabled {
				driver := cfg.EventLog.Driver
				if driver == "" {
					driver = "sqlite"
				}
				fmt.Fprintf(out, "  Event log:   %s\n", driver)
			}
			if n := len(cfg.Server.AdminTokens); n > 0 {
				fmt.Fprintf(out, "  Admin keys:  %d\n", n)
			}
			if cfg.Backend.Token == "" {
				yellow.Fprintln(out, "  ⚠ no backend token; requests are sent unauthenticated")
			}
			return nil
		},
	}
}

// loadTable returns the policy table of the config at path, or the
// built-in table when path is empty.
func loadTable(path string) (strategies.Table, error) {
	if path == "" {
		return strategies.DefaultTable(), nil
	}
	cfg, err := apicache.LoadConfig(path)
	if err != nil {
		return strategies.Table{}, err
	}
	return cfg.Table()
}

func newClassifyCmd() *cobra.Command {
	var (
		cfgPath string
		method  string
	)
	cmd := &cobra.Command{
		Use:   "classify <endpoint>...",
		Short: "Show the category, max age and strategy of endpoints",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			table, err := loadTable(cfgPath)
			if err != nil {
				return err
			}
			cl := strategies.NewClassifier(table)
			m := strings.ToUpper(method)

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			bold.Fprintln(tw, "ENDPOINT\tCATEGORY\tMAX AGE\tSTRATEGY")
			for _, ep := range args {
				p := cl.Classify(ep)
				if m != http.MethodGet {
					p.Strategy = strategies.KindNetworkOnly
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", ep, p.Category, p.MaxAge, p.Strategy)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file whose rules to use (default: built-in table)")
	cmd.Flags().StringVarP(&method, "method", "X", http.MethodGet, "HTTP method; anything but GET is network-only")
	return cmd
}

func newTableCmd() *cobra.Command {
	var cfgPath string
	cmd := &cobra.Command{
		Use:   "table",
		Short: "Print the classification rules and category policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			table, err := loadTable(cfgPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			bold.Fprintln(out, "Rules (first match wins):")
			for _, r := range table.Rules {
				fmt.Fprintf(out, "  %-10s %s\n", r.Category, strings.Join(r.Match, ", "))
			}

			names := make([]string, 0, len(table.Categories))
			for c := range table.Categories {
				names = append(names, string(c))
			}
			sort.Strings(names)

			fmt.Fprintln(out)
			bold.Fprintln(out, "Categories:")
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, name := range names {
				p := table.Categories[cache.Category(name)]
				fmt.Fprintf(tw, "  %s\t%s\t%s\n", name, p.MaxAge, p.Strategy)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVarP(&cfgPath, "config", "c", "", "config file to read (default: built-in table)")
	return cmd
}

func newKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "key <method> <endpoint> [name=value...]",
		Short: "Print the cache key of a request",
		Example: `  apicache-cli key GET /api/orders/history page=2 status=paid
  apicache-cli key GET /api/menu/ 'filter={"vegan":true}'`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			params, err := parseParams(args[2:])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), cache.Key(args[0], args[1], params))
			return nil
		},
	}
}

// parseParams turns name=value arguments into request params. Values that
// parse as JSON keep their type; anything else is a string. A repeated
// name collects its values in a list.
func parseParams(args []string) (map[string]any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	values := make(map[string][]any, len(args))
	for _, a := range args {
		name, raw, ok := strings.Cut(a, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid param %q: want name=value", a)
		}
		values[name] = append(values[name], parseValue(raw))
	}
	params := make(map[string]any, len(values))
	for name, vs := range values {
		if len(vs) == 1 {
			params[name] = vs[0]
		} else {
			params[name] = vs
		}
	}
	return params, nil
}

func parseValue(raw string) any {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err == nil {
		return v
	}
	return raw
}
