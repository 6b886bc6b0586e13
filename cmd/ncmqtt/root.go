// Copyright (c) 2021 Nutanix, Inc.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/golang/glog"
	"github.com/nutanix/ncmqtt/internal/config"
	"github.com/nutanix/ncmqtt/internal/metrics"
	"github.com/nutanix/ncmqtt/progress"
	"github.com/nutanix/ncmqtt/session"
	"github.com/nutanix/ncmqtt/transport"
	"github.com/spf13/cobra"
)

// set with -ldflags "-X main.version=... -X main.commit=..."
var (
	version = "dev"
	commit  = "none"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

// usageError marks failures caused by the command line or the configuration
type usageError struct {
	error
}

func (e usageError) Unwrap() error { return e.error }

// app carries the process streams and the broker dialer so tests can replace them
type app struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer
	dial   func(transport.Config) (transport.Client, error)
}

func newRootCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ncmqtt [flags]",
		Short: "netcat over a publish/subscribe broker",
		Long: `ncmqtt sends stdin to a topic of an MQTT or NATS broker, or with -l writes the stream
arriving on the topic to stdout. Frames are published one at a time and each one waits
for the receiver to clear it.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				return usageError{fmt.Errorf("unexpected argument %q", args[0])}
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cmd.Flags())
			if err != nil {
				return usageError{err}
			}
			setupLogging(cfg.Verbosity)
			return a.run(cmd.Context(), cfg)
		},
	}
	cmd.SetVersionTemplate("ncmqtt {{.Version}}\n")
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return usageError{err}
	})
	config.RegisterFlags(cmd.Flags())
	cmd.SetIn(a.stdin)
	cmd.SetOut(a.stdout)
	cmd.SetErr(a.stderr)
	return cmd
}

// execute runs the command line and returns the process exit code
func execute(ctx context.Context, args []string, a *app) int {
	cmd := newRootCmd(a)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err != nil {
		fmt.Fprintf(a.stderr, "ncmqtt: %s\n", err.Error())
	}
	code := exitCode(err)
	if code == exitUsage {
		fmt.Fprint(a.stderr, cmd.UsageString())
	}
	return code
}

func exitCode(err error) int {
	var usage usageError
	switch {
	case err == nil:
		return exitOK
	case errors.As(err, &usage):
		return exitUsage
	}
	return exitFailure
}

var loggingOnce sync.Once

// setupLogging points glog at stderr. glog keeps its flags on the standard flag set,
// which the command line never parses.
func setupLogging(verbosity int) {
	loggingOnce.Do(func() {
		_ = flag.Set("logtostderr", "true")
		_ = flag.Set("v", strconv.Itoa(verbosity))
		if !flag.Parsed() {
			_ = flag.CommandLine.Parse(nil)
		}
	})
}

func (a *app) run(ctx context.Context, cfg *config.Config) error {
	opts, err := cfg.SessionOptions()
	if err != nil {
		return usageError{err}
	}
	mode, err := progress.ParseMode(cfg.Progress)
	if err != nil {
		return usageError{err}
	}
	opts = append(opts, session.WithProgress(a.stderr, mode))

	role := "sender"
	if cfg.Listen {
		role = "receiver"
	}
	defer func() {
		if err := metrics.Push(cfg.Pushgateway, role); err != nil {
			glog.Warningf("Metrics of this run are lost: %s", err.Error())
		}
	}()

	if cfg.Listen {
		return a.receive(ctx, cfg, opts)
	}
	return a.send(ctx, cfg, opts)
}

func (a *app) send(ctx context.Context, cfg *config.Config, opts []session.Option) error {
	src, size, err := session.Sized(a.stdin)
	if err != nil {
		return err
	}
	if size == 0 {
		return session.ErrEmptyInput
	}

	client, err := a.dial(cfg.TransportConfig())
	if err != nil {
		return err
	}
	defer closeClient(client)

	return session.NewSender(client, cfg.Topic, opts...).Run(ctx, src, size)
}

func (a *app) receive(ctx context.Context, cfg *config.Config, opts []session.Option) error {
	client, err := a.dial(cfg.TransportConfig())
	if err != nil {
		return err
	}
	defer closeClient(client)

	return session.NewReceiver(client, cfg.Topic, a.stdout, opts...).Run(ctx)
}

func closeClient(client transport.Client) {
	if err := client.Close(); err != nil {
		glog.Warningf("Failed to close broker connection: %s", err.Error())
	}
}
