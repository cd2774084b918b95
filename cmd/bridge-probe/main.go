package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gaspardpetit/protobridge/internal/client"
	"github.com/gaspardpetit/protobridge/internal/logx"
	"github.com/gaspardpetit/protobridge/internal/protocol"
)

var (
	version   = "dev"
	buildSHA  = "unknown"
	buildDate = "unknown"
)

type probeConfig struct {
	opts     client.Options
	retries  int
	sendType string
	payload  string
	target   string
	listen   time.Duration
}

func parseArgs(fs *flag.FlagSet, args []string) (probeConfig, error) {
	var pc probeConfig
	var features, types string
	var decline bool
	fs.StringVar(&pc.opts.URL, "url", "ws://localhost:8080/api/bridge/connect", "bridge WebSocket URL")
	fs.StringVar(&pc.opts.ClientKey, "client-key", os.Getenv("CLIENT_KEY"), "shared client key")
	fs.StringVar(&pc.opts.SessionID, "session-id", "", "session ID to request (assigned by the bridge when empty)")
	fs.StringVar(&pc.opts.ClientName, "name", "bridge-probe", "client name")
	fs.StringVar(&pc.opts.Protocol, "protocol", "", "declared protocol (enhanced or legacy)")
	fs.StringVar(&pc.opts.Version, "protocol-version", "", "declared protocol version")
	fs.StringVar(&features, "features", "", "comma separated feature flags")
	fs.StringVar(&types, "types", "", "comma separated supported message types")
	fs.BoolVar(&decline, "decline", false, "decline the offered version")
	fs.BoolVar(&pc.opts.NoAck, "no-ack", false, "never answer the negotiate offer")
	fs.IntVar(&pc.retries, "retries", 1, "dial attempts before giving up (0 retries forever)")
	fs.StringVar(&pc.sendType, "send", "", "message type to send once connected")
	fs.StringVar(&pc.payload, "payload", "{}", "JSON payload for --send")
	fs.StringVar(&pc.target, "target", "", "target session for --send (broadcast when empty)")
	fs.DurationVar(&pc.listen, "listen", 0, "print received envelopes for this long (0 exits after connecting)")
	if err := fs.Parse(args); err != nil {
		return pc, err
	}
	if pc.opts.URL == "" {
		return pc, errors.New("--url is required")
	}
	if pc.sendType != "" && !json.Valid([]byte(pc.payload)) {
		return pc, fmt.Errorf("--payload is not valid JSON: %q", pc.payload)
	}
	if features != "" {
		pc.opts.Features = map[string]bool{}
		for _, f := range strings.Split(features, ",") {
			if f = strings.TrimSpace(f); f != "" {
				pc.opts.Features[f] = true
			}
		}
	}
	for _, t := range strings.Split(types, ",") {
		if t = strings.TrimSpace(t); t != "" {
			pc.opts.MessageTypes = append(pc.opts.MessageTypes, t)
		}
	}
	if decline {
		pc.opts.Accept = func(string) bool { return false }
	}
	return pc, nil
}

func run(ctx context.Context, pc probeConfig, out io.Writer) error {
	c, err := client.DialRetry(ctx, pc.opts, pc.retries)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() { _ = c.Close() }()
	enc := json.NewEncoder(out)
	if err := enc.Encode(c.Welcome()); err != nil {
		return err
	}
	if pc.sendType != "" {
		env := protocol.Envelope{Type: pc.sendType, Target: pc.target, Payload: json.RawMessage(pc.payload)}
		if err := c.Send(ctx, env); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}
	if pc.listen <= 0 {
		return nil
	}
	lctx, cancel := context.WithTimeout(ctx, pc.listen)
	defer cancel()
	for {
		env, err := c.Receive(lctx)
		if err != nil {
			if lctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("receive: %w", err)
		}
		if err := enc.Encode(env); err != nil {
			return err
		}
	}
}

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	logLevel := flag.String("log-level", "warn", "log verbosity")
	pc, err := parseArgs(flag.CommandLine, os.Args[1:])
	if *showVersion {
		fmt.Printf("bridge-probe version=%s sha=%s date=%s\n", version, buildSHA, buildDate)
		return
	}
	logx.Configure(*logLevel, "console")
	if err != nil {
		logx.Log.Fatal().Err(err).Msg("invalid arguments")
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, pc, os.Stdout); err != nil {
		logx.Log.Error().Err(err).Msg("probe failed")
		os.Exit(1)
	}
}
