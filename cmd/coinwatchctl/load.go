package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

type loadStats struct {
	connected   atomic.Int64
	connectErrs atomic.Int64
	streamErrs  atomic.Int64
	events      atomic.Int64
}

func (s *loadStats) String() string {
	return fmt.Sprintf("connected=%d connect_errs=%d stream_errs=%d events=%d",
		s.connected.Load(), s.connectErrs.Load(), s.streamErrs.Load(), s.events.Load())
}

func runLoad(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("load", flag.ContinueOnError)
	addr := fs.String("addr", "http://localhost:8080", "dashboard base URL")
	connections := fs.Int("conns", 1000, "number of concurrent connections to open")
	testDuration := fs.Duration("dur", 60*time.Second, "test duration (0 for until interrupted)")
	rampUp := fs.Duration("ramp", 0, "ramp-up duration (spread connection starts across this window)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *connections <= 0 {
		return errors.Errorf("invalid conns: %d", *connections)
	}
	if *rampUp == 0 && *connections > 100 {
		// 1 second per 500 connections
		*rampUp = time.Duration(*connections/500) * time.Second
		if *rampUp < time.Second {
			*rampUp = time.Second
		}
		log.Printf("no ramp-up specified for high connection count, using %s", *rampUp)
	}

	url := strings.TrimRight(*addr, "/") + "/changes/stream"
	log.Printf("starting change stream load: url=%s conns=%d duration=%s ramp=%s", url, *connections, *testDuration, *rampUp)

	transport := &http.Transport{
		MaxConnsPerHost:     *connections + 100,
		MaxIdleConns:        *connections + 100,
		MaxIdleConnsPerHost: *connections + 100,
		DisableCompression:  true,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}
	client := &http.Client{Transport: transport}

	if *testDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *testDuration)
		defer cancel()
	}

	stats := &loadStats{}
	start := time.Now()

	var interval time.Duration
	if *rampUp > 0 {
		interval = *rampUp / time.Duration(*connections)
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.Printf("status: %s elapsed=%s", stats, time.Since(start).Truncate(time.Second))
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < *connections; i++ {
		if i > 0 && interval > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(interval):
			}
		}
		if ctx.Err() != nil {
			break
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			holdStream(ctx, client, url, stats)
		}()
	}
	wg.Wait()

	elapsed := time.Since(start)
	if elapsed == 0 {
		elapsed = time.Millisecond
	}
	fmt.Printf("done: %s elapsed=%s events/s=%.2f\n",
		stats, elapsed.Truncate(time.Millisecond), float64(stats.events.Load())/elapsed.Seconds())
	return nil
}

func holdStream(ctx context.Context, client *http.Client, url string, stats *loadStats) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		stats.connectErrs.Add(1)
		return
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		stats.connectErrs.Add(1)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		stats.connectErrs.Add(1)
		return
	}

	stats.connected.Add(1)
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			if ctx.Err() == nil {
				stats.streamErrs.Add(1)
			}
			return
		}
		// heartbeats start with ':'
		if strings.HasPrefix(line, "event:") {
			stats.events.Add(1)
		}
	}
}
