package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/coinwatch/internal/monitor"
)

// errBusy reports that the daemon refused the trigger because a cycle is running.
var errBusy = errors.New("a cycle is already in progress")

func runTrigger(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("trigger", flag.ContinueOnError)
	addr := fs.String("addr", "http://localhost:8080", "dashboard base URL")
	timeout := fs.Duration("timeout", 5*time.Minute, "how long to wait for the cycle to finish")
	token := fs.String("token", os.Getenv("DASHBOARD_TOKEN"), "bearer token of the dashboard trigger")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := &http.Client{Timeout: *timeout}
	report, err := trigger(ctx, client, *addr, *token)
	if err != nil {
		return err
	}
	printReport(out, report)
	return nil
}

func trigger(ctx context.Context, client *http.Client, baseURL, token string) (monitor.CycleReport, error) {
	var report monitor.CycleReport

	url := strings.TrimRight(baseURL, "/") + "/api/cycles"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return report, errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return report, errors.Wrap(err, "post cycle")
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusConflict:
		return report, errBusy
	case http.StatusUnauthorized, http.StatusForbidden:
		return report, errors.Errorf("trigger rejected (%d): pass -token or set DASHBOARD_TOKEN", resp.StatusCode)
	default:
		return report, errors.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(readBody(resp)))
	}

	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return report, errors.Wrap(err, "decode report")
	}
	return report, nil
}

func printReport(out io.Writer, report monitor.CycleReport) {
	fmt.Fprintf(out, "cycle %s finished in %s\n", report.ID, report.FinishedAt.Sub(report.StartedAt).Truncate(time.Millisecond))
	for _, acc := range report.Accounts {
		switch {
		case acc.Error != "":
			fmt.Fprintf(out, "  %s: failed at %s: %s\n", acc.Account, acc.Stage, acc.Error)
		case len(acc.Changes) == 0:
			fmt.Fprintf(out, "  %s: no changes\n", acc.Account)
		default:
			fmt.Fprintf(out, "  %s: %d change(s)\n", acc.Account, len(acc.Changes))
		}
		for _, c := range acc.Changes {
			fmt.Fprintf(out, "    %s %s %s -> %s (%s)\n", c.Kind, c.Symbol, c.BalanceBefore, c.BalanceAfter, c.Diff)
		}
	}
}
