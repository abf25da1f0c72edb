package main

import (
	"bytes"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chodenet.ai/internal/auth"
	"chodenet.ai/internal/catalogs"
	"chodenet.ai/internal/persistence/backend"
	persistlog "chodenet.ai/internal/persistence/log"
	"chodenet.ai/internal/ritual"
)

// adminAuditPrefix keeps one-shot runs out of the server's audit files.
const adminAuditPrefix = "rituals-admin"

func newProcessCmd(opts *rootOpts) *cobra.Command {
	var lockPath string
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Resolve one batch of pending rituals directly against the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			logger, err := opts.logger(cfg)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
				return err
			}
			lock := flock.New(lockPath)
			locked, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquiring lock: %w", err)
			}
			if !locked {
				return fmt.Errorf("another process run holds %s", lockPath)
			}
			defer func() { _ = lock.Unlock() }()

			ctx := cmd.Context()
			cat, err := catalogs.Load(cfg.Rituals.CatalogPath)
			if err != nil {
				return err
			}
			st, err := backend.Open(ctx, cfg.Store, logger)
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.UpsertCatalog(ctx, cat); err != nil {
				return err
			}

			var outcomes ritual.OutcomeLoggers
			if cfg.Audit.Enabled {
				outLog := persistlog.NewOutcomeLoggerWithPrefix(cfg.Audit.Dir, adminAuditPrefix)
				defer outLog.Close()
				outcomes = append(outcomes, outLog)
			}
			seed := uint64(time.Now().UnixNano())
			proc, err := ritual.NewProcessor(ritual.ProcessorConfig{
				Store:     st,
				Rand:      rand.New(rand.NewPCG(seed, seed>>1|1)),
				BatchSize: cfg.Rituals.BatchSize,
				ClaimTTL:  cfg.Rituals.ClaimTTL,
				Outcomes:  outcomes,
				Logger:    logger,
			})
			if err != nil {
				return err
			}
			n, err := proc.ProcessBatch(ctx)
			if err != nil {
				return err
			}
			logger.Info("batch processed", zap.Int("processed", n))
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d\n", n)
			return nil
		},
	}
	cmd.Flags().StringVar(&lockPath, "lock", "./data/process.lock", "lock file guarding concurrent runs")
	return cmd
}

func newTriggerCmd(opts *rootOpts) *cobra.Command {
	var (
		baseURL  string
		callerID string
		timeout  time.Duration
	)
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Send a signed POST /process-ritual to a running server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			body := []byte("{}")
			url := strings.TrimRight(baseURL, "/") + "/process-ritual"
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(body))
			if err != nil {
				return err
			}
			req.Header.Set("Content-Type", "application/json")
			auth.SignRequest(req, []byte(cfg.Secrets.Scheduler), callerID, body, time.Now())

			resp, err := (&http.Client{Timeout: timeout}).Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			out, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
			if err != nil {
				return err
			}
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("process-ritual: %s: %s", resp.Status, strings.TrimSpace(string(out)))
			}
			fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(out)))
			return nil
		},
	}
	cmd.Flags().StringVar(&baseURL, "url", "http://127.0.0.1:8080", "oracle server base url")
	cmd.Flags().StringVar(&callerID, "caller", "admin-cli", "caller id sent with the signature")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
	return cmd
}
