// Command wspipecat connects stdin and stdout to a pipe through a wspiped gateway, either
// as a client of a named pipe server or as a pipe server accepting one client.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sammck-go/logger"
	"github.com/sammck-go/wspipe/pkg/pipeconn"
	"github.com/sammck-go/wspipe/pkg/wsgate"
)

func main() {
	gateway := flag.String("gateway", "http://127.0.0.1:7420", "base URL of the wspiped gateway")
	serve := flag.Bool("serve", false, "register as a pipe server and accept one client instead of dialing")
	name := flag.String("name", "", "pipe name")
	version := flag.String("version", "", "version to register, or minimum version to dial")
	route := flag.String("route", "", "dial through a named gateway route instead of -name")
	retries := flag.Int("retries", 5, "gateway connection retries; negative retries forever")
	maxInterval := flag.Duration("max-retry-interval", 5*time.Minute, "maximum delay between retries")
	listen := flag.String("listen", "", "accept TCP connections on this address and forward each through its own session")
	connect := flag.String("connect", "", "bridge the session to this TCP address instead of stdin/stdout")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	o := &options{
		gateway: *gateway,
		serve:   *serve,
		name:    *name,
		version: *version,
		route:   *route,
		listen:  *listen,
		connect: *connect,
		verbose: *verbose,
		dial: wsgate.DialConfig{
			MaxRetryCount:    *retries,
			MaxRetryInterval: *maxInterval,
		},
	}
	if err := run(o); err != nil {
		fmt.Fprintf(os.Stderr, "wspipecat: %s\n", err)
		os.Exit(1)
	}
}

func sessionURL(gateway string, serve bool, name string, version string, route string) (string, error) {
	switch {
	case route != "" && serve:
		return "", fmt.Errorf("-route cannot be used with -serve")
	case route != "":
		return wsgate.RouteURL(gateway, route)
	case name == "":
		return "", fmt.Errorf("one of -name or -route is required")
	case serve:
		return wsgate.SessionURL(gateway, "serve", name, version)
	}
	return wsgate.SessionURL(gateway, "dial", name, version)
}

type options struct {
	gateway string
	serve   bool
	name    string
	version string
	route   string
	listen  string
	connect string
	verbose bool
	dial    wsgate.DialConfig
}

func run(o *options) error {
	if o.listen != "" && (o.serve || o.connect != "") {
		return fmt.Errorf("-listen cannot be combined with -serve or -connect")
	}
	u, err := sessionURL(o.gateway, o.serve, o.name, o.version, o.route)
	if err != nil {
		return err
	}
	level := logger.LogLevelWarning
	if o.verbose {
		level = logger.LogLevelDebug
	}
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(level),
		logger.WithPrefix("wspipecat"),
	)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if o.listen != "" {
		return forwardListener(ctx, lg, o.listen, u, &o.dial)
	}

	ws, err := wsgate.Dial(ctx, lg, u, &o.dial)
	if err != nil {
		return err
	}
	var local pipeconn.Bipipe
	if o.connect != "" {
		local, err = connectTarget(lg, o.connect)
		if err != nil {
			ws.Close()
			return err
		}
	} else {
		local = pipeconn.NewMergedBipipe(lg, "stdio", os.Stdin, os.Stdout, false, true)
	}
	br := pipeconn.NewBridge(lg, ws, local, 0)
	br.ShutdownOnContext(ctx)

	// stdin reads cannot be interrupted, so the session is over when the websocket is
	err = ws.WaitShutdown()
	lg.DLogf("Session ended: %d bytes sent, %d received", br.NumBytesWritten(0), br.NumBytesWritten(1))
	if ctx.Err() != nil {
		return nil
	}
	return err
}
