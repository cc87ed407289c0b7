package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"

	"github.com/vadiminshakov/coinwatch/internal/domain"
	"github.com/vadiminshakov/coinwatch/pkg/retrier"
)

// sseEvent one frame of the change stream.
type sseEvent struct {
	ID    string
	Event string
	Data  string
}

func runTail(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("tail", flag.ContinueOnError)
	addr := fs.String("addr", "http://localhost:8080", "dashboard base URL")
	lastID := fs.Uint64("last-event-id", 0, "resume after this journal index")
	retries := fs.Int("retries", 10, "reconnect attempts after the stream drops")
	raw := fs.Bool("raw", false, "print event payloads as received")
	if err := fs.Parse(args); err != nil {
		return err
	}

	url := strings.TrimRight(*addr, "/") + "/changes/stream"
	client := &http.Client{Timeout: 0}

	t := &tailer{client: client, url: url, lastID: *lastID, out: out, raw: *raw}
	r := retrier.New(
		retrier.WithMaxRetries(*retries),
		retrier.WithMaxInterval(30*time.Second),
		retrier.WithRetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}),
	)
	err := r.Do(ctx, t.stream)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

type tailer struct {
	client *http.Client
	url    string
	lastID uint64
	out    io.Writer
	raw    bool
}

// stream reads the change stream until it ends. The last seen ID survives reconnects.
func (t *tailer) stream(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.url, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Accept", "text/event-stream")
	if t.lastID > 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatUint(t.lastID, 10))
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "connect")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(readBody(resp)))
	}

	err = readEvents(resp.Body, func(ev sseEvent) error {
		if ev.ID != "" {
			id, err := strconv.ParseUint(ev.ID, 10, 64)
			if err == nil {
				t.lastID = id
			}
		}
		return t.print(ev)
	})
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.New("stream closed by server")
}

func (t *tailer) print(ev sseEvent) error {
	switch ev.Event {
	case "no_data":
		fmt.Fprintln(t.out, "no changes recorded yet")
		return nil
	case "change":
	default:
		return nil
	}

	if t.raw {
		fmt.Fprintf(t.out, "%s %s\n", ev.ID, ev.Data)
		return nil
	}

	var change domain.ChangeEvent
	if err := json.Unmarshal([]byte(ev.Data), &change); err != nil {
		return errors.Wrapf(err, "decode event %s", ev.ID)
	}
	fmt.Fprintf(t.out, "[%s] %s cycle=%s\n", change.Timestamp.Format(time.RFC3339), change.Account, change.CycleID)
	for _, c := range change.Changes {
		fmt.Fprintf(t.out, "  %s %s %s -> %s (%s)\n", c.Kind, c.Symbol, c.BalanceBefore, c.BalanceAfter, c.Diff)
	}
	return nil
}

// readEvents splits an SSE body into frames. Comment lines are heartbeats and are ignored.
func readEvents(r io.Reader, fn func(sseEvent) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var (
		ev   sseEvent
		data []string
	)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			if ev.Event != "" || len(data) > 0 {
				ev.Data = strings.Join(data, "\n")
				if err := fn(ev); err != nil {
					return err
				}
			}
			ev, data = sseEvent{}, nil
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "id":
			ev.ID = value
		case "event":
			ev.Event = value
		case "data":
			data = append(data, value)
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "read stream")
	}
	return nil
}
