package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/prowdex/prowdex/pkg/artifacts"
	"github.com/prowdex/prowdex/pkg/config"
	"github.com/prowdex/prowdex/pkg/indexstore"
	"github.com/prowdex/prowdex/pkg/prow"
	"github.com/prowdex/prowdex/pkg/retry"
	"github.com/prowdex/prowdex/pkg/scraper"
)

var scrapeCmd = &cobra.Command{
	Use:   "scrape",
	Short: "Run one scrape pass over the lookback window",
	Long: `Discover finished job runs in the artifact bucket, parse their test
reports and index new result documents. Exits non-zero on a listing
failure or when the job failure threshold is exceeded; individual job
failures are reported in the summary but tolerated.`,
	RunE: runScrape,
}

func init() {
	rootCmd.AddCommand(scrapeCmd)
}

func runScrape(cmd *cobra.Command, args []string) error {
	if cfgFile == "" {
		return fmt.Errorf("config file is required (use --config)")
	}

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	// The config file may set a log level too; the flag wins when given.
	if !cmd.Flags().Changed("log-level") && cfg.Global.LogLevel != "" {
		level, pErr := logrus.ParseLevel(cfg.Global.LogLevel)
		if pErr != nil {
			return fmt.Errorf("invalid global.log_level %q: %w", cfg.Global.LogLevel, pErr)
		}

		log.SetLevel(level)
	}

	// Setup context with signal handling. Cancellation propagates to
	// in-flight workers, which abandon their current job.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("Received shutdown signal")
		cancel()
	}()

	policy := retry.Policy{
		MaxAttempts:    cfg.Retry.MaxAttempts,
		InitialBackoff: cfg.Retry.InitialBackoffDuration(),
		MaxBackoff:     cfg.Retry.MaxBackoffDuration(),
		AttemptTimeout: cfg.Retry.AttemptTimeoutDuration(),
	}

	store := artifacts.NewS3Store(log, &cfg.Artifacts)

	lister := prow.NewLister(
		log, store,
		cfg.Scraper.JobPrefix,
		cfg.Scraper.LookbackDuration(),
		policy,
	)

	index, err := indexstore.NewStore(log, &cfg.Index)
	if err != nil {
		return fmt.Errorf("creating index store: %w", err)
	}

	s := scraper.New(
		log, lister, index, policy,
		cfg.Scraper.Concurrency,
		cfg.Scraper.FailureThreshold,
	)

	summary, err := s.Run(ctx)

	logSummary(summary)

	if err != nil {
		var listErr *prow.ListingError
		if errors.As(err, &listErr) {
			return fmt.Errorf("scrape aborted: %w", err)
		}

		if errors.Is(err, scraper.ErrTooManyFailures) {
			return err
		}

		return fmt.Errorf("scrape failed: %w", err)
	}

	return nil
}

// logSummary reports the invocation outcome, listing each failed job for
// operator follow-up.
func logSummary(summary *scraper.Summary) {
	if summary == nil {
		return
	}

	log.WithFields(logrus.Fields{
		"discovered":         summary.Discovered,
		"indexed":            summary.Indexed,
		"skipped_exact":      summary.SkippedExact,
		"skipped_comparable": summary.SkippedComparable,
		"failed":             summary.Failed,
	}).Info("Scrape summary")

	for _, failure := range summary.Failures {
		log.WithFields(logrus.Fields{
			"job":    failure.Job,
			"run_id": failure.RunID,
			"cause":  failure.Cause,
		}).Warn("Failed job run")
	}
}
