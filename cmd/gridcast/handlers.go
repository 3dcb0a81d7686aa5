package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/powerman/structlog"

	"github.com/gridcast/gridcast/internal/config"
	"github.com/gridcast/gridcast/internal/runner"
	"github.com/gridcast/gridcast/internal/scheduler"
	"github.com/gridcast/gridcast/internal/store"
	"github.com/gridcast/gridcast/pkg/alert"
	"github.com/gridcast/gridcast/pkg/pipeline"
	"github.com/gridcast/gridcast/pkg/server"
)

func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			path = "config.yaml"
		}
	}
	return config.Load(path)
}

func buildAlertManager(cfg *config.Config) *alert.Manager {
	var notifiers []alert.Notifier

	if cfg.Alerts.Slack.Enabled && cfg.Alerts.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewSlack(cfg.Alerts.Slack.WebhookURL))
	}
	if cfg.Alerts.Discord.Enabled && cfg.Alerts.Discord.WebhookURL != "" {
		notifiers = append(notifiers, alert.NewDiscord(cfg.Alerts.Discord.WebhookURL))
	}
	if cfg.Alerts.Webhook.Enabled && cfg.Alerts.Webhook.URL != "" {
		notifiers = append(notifiers, alert.NewWebhook(cfg.Alerts.Webhook.URL, cfg.Alerts.Webhook.Secret))
	}

	return alert.NewManager(notifiers)
}

func buildScheduler(r *runner.Runner) *scheduler.Scheduler {
	steps := []scheduler.Step{
		{Name: pipeline.NameIngest, Run: func(ctx context.Context) (string, error) {
			results, err := r.IngestCurrent(ctx)
			if len(results) == 0 {
				return "", err
			}
			return results[len(results)-1].RunID, err
		}},
		{Name: pipeline.NameForecast, Run: func(ctx context.Context) (string, error) {
			res, err := r.Forecast(ctx)
			return res.RunID, err
		}},
	}
	return scheduler.New(scheduler.Config{
		Cron:       cfg.Schedule.Cron,
		Retries:    cfg.Schedule.Retries,
		RetryDelay: cfg.Schedule.ParseRetryDelay(),
		Location:   r.Location(),
		Region:     r.Region(),
	}, steps, buildAlertManager(cfg))
}

func parseDay(v string, r *runner.Runner) (time.Time, error) {
	if v == "" {
		return r.Today(), nil
	}
	d, err := time.ParseInLocation(time.DateOnly, v, r.Location())
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q, want YYYY-MM-DD", v)
	}
	return d, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printIngest(results []pipeline.IngestResult) error {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tREGION\tFETCHED\tROWS\tHOLIDAY")
	for _, res := range results {
		fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%t\n",
			res.Date.Format(time.DateOnly), res.Region, res.Fetched, res.Rows, res.IsHoliday)
	}
	return w.Flush()
}

func runIngest(ctx context.Context, date string, jsonOutput bool) error {
	r, err := runner.New(cfg, nil)
	if err != nil {
		return err
	}
	day, err := parseDay(date, r)
	if err != nil {
		return err
	}

	res, err := r.Ingest(ctx, day)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(res)
	}
	return printIngest([]pipeline.IngestResult{res})
}

func runForecast(ctx context.Context, jsonOutput bool) error {
	r, err := runner.New(cfg, nil)
	if err != nil {
		return err
	}

	res, err := r.Forecast(ctx)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(res)
	}

	rows, err := r.ListForecast(ctx, res.From, res.To)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HOUR\tFORECAST\tDOW\tHOLIDAY")
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%d\t%d\t%t\n",
			row.Timestamp.In(r.Location()).Format(time.RFC3339), row.DemandForecast, row.DayOfWeek, row.IsHoliday)
	}
	return w.Flush()
}

func runBackfill(ctx context.Context, from, to string, jsonOutput bool) error {
	r, err := runner.New(cfg, nil)
	if err != nil {
		return err
	}
	start, err := parseDay(from, r)
	if err != nil {
		return err
	}
	end, err := parseDay(to, r)
	if err != nil {
		return err
	}

	results, runErr := r.Backfill(ctx, start, end)
	if jsonOutput {
		if err := printJSON(results); err != nil {
			return errors.Join(runErr, err)
		}
	} else if err := printIngest(results); err != nil {
		return errors.Join(runErr, err)
	}
	return runErr
}

func runMigrate() error {
	if err := store.Migrate(cfg.Database.Driver, cfg.Database.DSN()); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	structlog.New(structlog.KeyUnit, "migrate").Info("schema up to date", "driver", cfg.Database.Driver)
	return nil
}

func runServe(ctx context.Context, port int) error {
	if port == 0 {
		port = cfg.Server.Port
	}

	metrics := pipeline.NewMetrics()
	r, err := runner.New(cfg, metrics)
	if err != nil {
		return err
	}
	return server.New(r, metrics, port).ListenAndServe(ctx)
}

func runOnce(ctx context.Context) error {
	r, err := runner.New(cfg, nil)
	if err != nil {
		return err
	}
	return buildScheduler(r).RunOnce(ctx)
}

func runDaemon(ctx context.Context, port int) error {
	if port == 0 {
		port = cfg.Server.Port
	}

	metrics := pipeline.NewMetrics()
	r, err := runner.New(cfg, metrics)
	if err != nil {
		return err
	}

	sched := buildScheduler(r)
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	return server.New(r, metrics, port).ListenAndServe(ctx)
}
