package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/debugrelay/host/internal/chrome"
	"github.com/debugrelay/host/internal/debugger"
)

const tabsTimeout = 10 * time.Second

func newTabsCmd() *cobra.Command {
	var (
		flags  configFlags
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "tabs",
		Short: "List the page targets of the Chrome instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := flags.load(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), tabsTimeout)
			defer cancel()

			tabs, err := chrome.New(cfg.ChromeURL, chrome.Options{}).Tabs(ctx)
			if err != nil {
				return fmt.Errorf("listing tabs at %s: %w", cfg.ChromeURL, err)
			}
			if asJSON {
				return renderTabsJSON(cmd.OutOrStdout(), tabs)
			}
			renderTabs(cmd.OutOrStdout(), tabs)
			return nil
		},
	}
	flags.register(cmd, "chrome-url")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func renderTabsJSON(w io.Writer, tabs []debugger.Tab) error {
	if tabs == nil {
		tabs = []debugger.Tab{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(tabs)
}

func renderTabs(w io.Writer, tabs []debugger.Tab) {
	if len(tabs) == 0 {
		fmt.Fprintln(w, "No page targets.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTITLE\tURL")
	for _, t := range tabs {
		fmt.Fprintf(tw, "%d\t%s\t%s\n", t.ID, truncate(t.Title, 40), t.URL)
	}
	tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
