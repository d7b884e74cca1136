package main

import (
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/mnemo/internal/api"
	"github.com/kalambet/mnemo/internal/config"
)

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history <owner>",
	Short: "Show an owner's stored turns and summaries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := fmt.Sprintf("/v1/history/%s?limit=%d", url.PathEscape(args[0]), limit)
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var hist api.HistoryResponse
		if err := decodeJSON(resp, &hist); err != nil {
			return err
		}
		printHistory(cmd.OutOrStdout(), hist)
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 20, "maximum number of turns and summaries")
}

func printHistory(w io.Writer, hist api.HistoryResponse) {
	if len(hist.Turns) == 0 && len(hist.Summaries) == 0 {
		fmt.Fprintf(w, "No history for %s.\n", hist.Owner)
		return
	}
	for _, t := range hist.Turns {
		fmt.Fprintf(w, "%s  %s\n", colorize(colorCyan, t.CreatedAt), truncate(t.User, 80))
		fmt.Fprintf(w, "  %s\n", truncate(t.Assistant, 200))
	}
	if len(hist.Summaries) > 0 {
		fmt.Fprintln(w, colorize(colorBold, "\nSummaries:"))
		for _, s := range hist.Summaries {
			fmt.Fprintf(w, "%s  %s\n", colorize(colorCyan, s.CreatedAt), truncate(s.Text, 200))
		}
	}
}

// --- recall ---

var recallCmd = &cobra.Command{
	Use:   "recall <query>",
	Short: "Semantic search over remembered summaries",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, _ := cmd.Flags().GetString("owner")
		general, _ := cmd.Flags().GetBool("general")
		limit, _ := cmd.Flags().GetInt("limit")

		req := api.RecallRequest{
			Owner: owner,
			Query: strings.Join(args, " "),
			Scope: "user",
			Limit: limit,
		}
		if general {
			req.Scope = "general"
		} else if owner == "" {
			return fmt.Errorf("--owner is required unless --general is set")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/recall", req)
		if err != nil {
			return err
		}

		var out struct {
			Results []api.RecallHit `json:"results"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if len(out.Results) == 0 {
			fmt.Fprintln(w, "No results found.")
			return nil
		}
		for i, r := range out.Results {
			fmt.Fprintf(w, "\n%s [score: %.3f]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Score)
			fmt.Fprintf(w, "  %s\n", truncate(r.Text, 500))
		}
		return nil
	},
}

func init() {
	recallCmd.Flags().String("owner", "", "owner whose memory to search")
	recallCmd.Flags().Bool("general", false, "search the shared general memory instead")
	recallCmd.Flags().Int("limit", 5, "maximum number of results")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "# %s\n", config.FilePath())
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(w, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value in the config file. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value, restoring its default",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
