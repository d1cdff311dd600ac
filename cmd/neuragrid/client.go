package main

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/neuragrid/neuragrid/internal/client"
	"github.com/neuragrid/neuragrid/internal/logging"
)

func runClient(args []string) error {
	fs := flag.NewFlagSet("client", flag.ExitOnError)
	url := fs.String("url", "http://localhost:3000", "coordinator base URL")
	name := fs.String("name", "Worker-Test", "session name (a Worker prefix makes this a worker)")
	ack := fs.Bool("ack", true, "acknowledge received job bodies with a completion report")
	ackDelay := fs.Duration("ack-delay", 2*time.Second, "simulated compute time before acknowledging")
	silent := fs.Bool("silent", false, "advertise silent mode on connect")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	logging.PrintBanner("client", version, *url)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return client.New(client.Config{
		URL:      *url,
		Name:     *name,
		Ack:      *ack,
		AckDelay: *ackDelay,
		Silent:   *silent,
	}).Run(ctx)
}
