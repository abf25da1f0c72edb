package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"chodenet.ai/internal/auth"
	"chodenet.ai/internal/catalogs"
	"chodenet.ai/internal/lore"
	persistlog "chodenet.ai/internal/persistence/log"
)

func newCycleCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Print the lore cycle window containing a moment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			now := time.Now().UTC()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = t.UTC()
			}
			start, end := lore.Bounds(now)
			fmt.Fprintf(cmd.OutOrStdout(), "cycle %d\nstart %s\nend   %s\nremaining %s\n",
				lore.CycleNumber(now),
				start.Format(time.RFC3339),
				end.Format(time.RFC3339),
				end.Sub(now).Truncate(time.Second))
			return nil
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "RFC3339 timestamp (default now)")
	return cmd
}

func newScoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "score <text>",
		Short: "Score a lore input for significance",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			fmt.Fprintf(cmd.OutOrStdout(), "%d %s\n", lore.ScoreValue(text), lore.Score(text))
			return nil
		},
	}
}

func newTokenCmd(opts *rootOpts) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <wallet>",
		Short: "Issue a session token for a wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			wallet := strings.TrimSpace(args[0])
			if wallet == "" {
				return fmt.Errorf("wallet is required")
			}
			tok := auth.IssueToken([]byte(cfg.Secrets.Session), wallet, time.Now().Add(ttl))
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func newCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog [path]",
		Short: "Validate a ritual catalog and print its digest",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := ""
			if len(args) == 1 {
				path = args[0]
			}
			cat, err := catalogs.Load(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "digest %s\nbases %d\ningredients %d\n",
				cat.Digest, len(cat.Bases), len(cat.Ingredients))
			return nil
		},
	}
}

func newAuditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "audit <file.jsonl.zst>",
		Short: "Print the entries of a closed audit log file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			n := 0
			err := persistlog.ReadFile(args[0], func(raw json.RawMessage) error {
				n++
				_, err := fmt.Fprintln(out, string(raw))
				return err
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d entries\n", n)
			return nil
		},
	}
}
