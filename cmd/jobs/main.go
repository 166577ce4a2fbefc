// Package main runs one task under its lease and prints the run summary.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/x-mirror/internal/app"
	"github.com/x-mirror/internal/config"
	apperrors "github.com/x-mirror/internal/errors"
	"github.com/x-mirror/internal/job"
	"github.com/x-mirror/internal/logging"
	"github.com/x-mirror/internal/media"
	"github.com/x-mirror/internal/types"
)

// options are the parsed command line
type options struct {
	req    job.Request
	asJSON bool
}

func newFlagSet() (*flag.FlagSet, func() options) {
	fs := flag.NewFlagSet("jobs", flag.ExitOnError)
	var (
		task      = fs.String("job", types.TaskFetch, "Task to run: fetch, media-backfill, media-cleanup")
		usernames = fs.String("usernames", "", "Comma separated handles (fetch: override the roster; media-backfill: filter)")
		limit     = fs.Int("limit", 0, "media-backfill: tweets to scan (default 500, max 5000)")
		force     = fs.Bool("force", false, "media-backfill: ignore the priority restriction")
		manual    = fs.Bool("manual", true, "Ignore a pending retry window")
		asJSON    = fs.Bool("json", false, "Print the full result as JSON")
	)
	return fs, func() options {
		req := job.Request{Task: *task, Manual: *manual}
		names := splitList(*usernames)
		switch *task {
		case types.TaskFetch:
			req.Usernames = names
		case types.TaskMediaBackfill:
			req.Backfill = media.BackfillParams{Usernames: names, Limit: *limit, Force: *force}
		}
		return options{req: req, asJSON: *asJSON}
	}
}

func main() {
	fs, build := newFlagSet()
	_ = fs.Parse(os.Args[1:])
	opts := build()
	task := opts.req.Task

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.InitGlobalLogger(logging.ParseLogLevel(cfg.Logging.Level), logging.ParseLogFormat(cfg.Logging.Format))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.WithLogger(ctx, logger)

	a, err := app.New(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize")
	}
	defer a.Close()

	report, err := a.Runner.Run(ctx, opts.req)
	if err != nil {
		a.Close()
		logger.WithError(err).WithField("task", task).Error("Task failed")
		if apperrors.IsUserError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
	if !report.Outcome.Granted() {
		fmt.Printf("%s not started: %s\n", task, report.Outcome.Reason)
		return
	}

	if opts.asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(report.Result)
		return
	}
	fmt.Printf("%s: %s\n", task, report.Summary)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
