// Copyright (c) 2021 Nutanix, Inc.

// Command ncmqtt is netcat over a publish/subscribe broker.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/golang/glog"
	"github.com/nutanix/ncmqtt/transport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], &app{
		stdin:  os.Stdin,
		stdout: os.Stdout,
		stderr: os.Stderr,
		dial:   transport.Dial,
	})
	stop()
	glog.Flush()
	os.Exit(code)
}
