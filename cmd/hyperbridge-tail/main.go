// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// hyperbridge-tail streams one session's events from the bridge
// console to the terminal. It reconnects after network failures and
// resumes after the last event it printed, so no event is shown twice
// and none is skipped silently: events that aged out of the bridge's
// replay window appear as a gap line.
//
// Without a session id it lists the known sessions.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/hyperbridge-labs/hyperbridge/fanout"
	"github.com/hyperbridge-labs/hyperbridge/lib/netutil"
	"github.com/hyperbridge-labs/hyperbridge/lib/process"
	"github.com/hyperbridge-labs/hyperbridge/lib/version"
	"github.com/hyperbridge-labs/hyperbridge/session"
)

const (
	consoleEnv = "HYPERBRIDGE_CONSOLE"
	tokenEnv   = "HYPERBRIDGE_TOKEN"
)

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var (
		consoleURL string
		token      string
		resumeFrom uint64
		live       bool
		plain      bool
		asJSON     bool
		once       bool
	)
	flagSet := pflag.NewFlagSet("hyperbridge-tail", pflag.ContinueOnError)
	flagSet.StringVar(&consoleURL, "console", os.Getenv(consoleEnv), "console base URL (default: $"+consoleEnv+" or http://127.0.0.1:8080)")
	flagSet.StringVar(&token, "token", os.Getenv(tokenEnv), "bearer token (default: $"+tokenEnv+")")
	flagSet.Uint64Var(&resumeFrom, "resume-from", 0, "last sequence already seen; replay starts after it")
	flagSet.BoolVar(&live, "live", false, "skip replay and start at the newest event")
	flagSet.BoolVar(&plain, "no-color", false, "disable colour")
	flagSet.BoolVar(&asJSON, "json", false, "print raw JSON deliveries")
	flagSet.BoolVar(&once, "once", false, "exit when the connection drops instead of resuming")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.Print("hyperbridge-tail")
		return nil
	}
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if consoleURL == "" {
		consoleURL = "http://127.0.0.1:8080"
	}
	base, err := url.Parse(strings.TrimSuffix(consoleURL, "/"))
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") {
		return fmt.Errorf("--console must be an http or https URL: %q", consoleURL)
	}

	client := &consoleClient{base: base, token: token}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch flagSet.NArg() {
	case 0:
		return client.listSessions(ctx, os.Stdout)
	case 1:
	default:
		return fmt.Errorf("expected at most one session id")
	}

	stdout := int(os.Stdout.Fd())
	width := 0
	if term.IsTerminal(stdout) {
		if columns, _, err := term.GetSize(stdout); err == nil {
			width = columns
		}
	} else {
		plain = true
	}

	follower := &follower{
		client:  client,
		session: flagSet.Arg(0),
		last:    resumeFrom,
		live:    live,
		once:    once,
		printer: newPrinter(os.Stdout, width, plain),
		asJSON:  asJSON,
		out:     os.Stdout,
		log:     os.Stderr,
	}
	return follower.follow(ctx)
}

type consoleClient struct {
	base  *url.URL
	token string
}

func (c *consoleClient) header() http.Header {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	return header
}

func (c *consoleClient) listSessions(ctx context.Context, out io.Writer) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base.String()+"/v1/sessions", nil)
	if err != nil {
		return err
	}
	request.Header = c.header()
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return fmt.Errorf("console returned %s: %s", response.Status, netutil.ErrorBody(response.Body))
	}
	var sessions []session.Session
	if err := netutil.DecodeResponse(response.Body, &sessions); err != nil {
		return err
	}
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "SESSION\tHOST\tOS\tSTATE\tPROTECTED\tLAST SEEN")
	for _, known := range sessions {
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%t\t%s\n",
			known.ID, known.Hostname, known.OS, known.State, known.Protected,
			known.LastSeen.Local().Format(time.DateTime))
	}
	return writer.Flush()
}

// streamURL builds the websocket URL for sessionID resuming after last.
func (c *consoleClient) streamURL(sessionID string, last uint64, live bool) string {
	target := *c.base
	if target.Scheme == "https" {
		target.Scheme = "wss"
	} else {
		target.Scheme = "ws"
	}
	// Path holds the unescaped form; String escapes it once.
	target.Path = strings.TrimSuffix(target.Path, "/") + "/v1/sessions/" + sessionID + "/events"
	target.RawPath = ""
	query := url.Values{}
	if live {
		query.Set("live", "true")
	} else {
		query.Set("resume_from", strconv.FormatUint(last, 10))
	}
	target.RawQuery = query.Encode()
	return target.String()
}

// errStreamEnded means the server sent an end delivery.
var errStreamEnded = errors.New("stream ended")

type follower struct {
	client  *consoleClient
	session string
	last    uint64
	live    bool
	once    bool
	printer *printer
	asJSON  bool
	out     io.Writer
	log     io.Writer
}

// follow streams until the server ends the stream or ctx is done,
// reconnecting with resume_from after transient failures.
func (f *follower) follow(ctx context.Context) error {
	backoff := 250 * time.Millisecond
	for {
		err := f.stream(ctx)
		switch {
		case errors.Is(err, errStreamEnded), ctx.Err() != nil:
			return nil
		case f.once:
			return err
		}
		var status *statusError
		if errors.As(err, &status) && status.permanent() {
			return err
		}
		fmt.Fprintf(f.log, "connection lost (%v), resuming after seq %d in %s\n", err, f.last, backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, 10*time.Second)
	}
}

// statusError is an HTTP rejection of the upgrade.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("console returned %d: %s", e.code, strings.TrimSpace(e.body))
}

// permanent reports rejections that retrying cannot fix.
func (e *statusError) permanent() bool {
	switch e.code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound, http.StatusGone:
		return true
	}
	return false
}

func (f *follower) stream(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, response, err := dialer.DialContext(ctx, f.client.streamURL(f.session, f.last, f.live), f.client.header())
	if err != nil {
		if response != nil {
			defer response.Body.Close()
			return &statusError{code: response.StatusCode, body: netutil.ErrorBody(response.Body)}
		}
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	// Once anything arrived, later reconnects resume instead of
	// jumping to the head again.
	f.live = false

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return errStreamEnded
			}
			return err
		}
		var delivery fanout.Delivery
		if err := json.Unmarshal(data, &delivery); err != nil {
			return fmt.Errorf("decoding delivery: %w", err)
		}
		if f.asJSON {
			fmt.Fprintln(f.out, string(data))
		} else {
			f.printer.print(delivery)
		}
		switch delivery.Type {
		case fanout.DeliveryEvent, fanout.DeliveryGap:
			f.last = delivery.Sequence
		case fanout.DeliveryEnd:
			switch delivery.Reason {
			case fanout.ReasonLagged:
				return errors.New("fell behind the live stream")
			case fanout.ReasonShutdown:
				return errors.New("bridge shutting down")
			}
			return errStreamEnded
		}
	}
}
