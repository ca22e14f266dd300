// Command wspiped runs the pipe broker and exposes it through a websocket gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fsnotify/fsnotify"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wspipe/pkg/pipesvc"
	"github.com/sammck-go/wspipe/pkg/sysservice"
	"github.com/sammck-go/wspipe/pkg/task"
	"github.com/sammck-go/wspipe/pkg/wsgate"
)

func main() {
	configFile := flag.String("config", "", "path to the config file (default: wspiped.{yaml,json,toml} in . or /etc/wspipe)")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(wsgate.BuildVersion)
		return
	}

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "wspiped: %s\n", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	v := newViper(configFile)
	cfg, err := readConfig(v, configFile != "")
	if err != nil {
		return err
	}
	lg, err := logger.New(
		logger.WithWriter(os.Stderr),
		logger.WithLogLevel(cfg.LogLevel),
		logger.WithPrefix("wspiped"),
	)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	tasks := task.NewLocalRegistry(lg)
	brokerTask := tasks.NewTask("broker")
	defer brokerTask.Terminate()
	mgr := sysservice.NewManager(lg, brokerTask.ID(), tasks.ForTask(brokerTask.ID()))
	defer mgr.Close()
	d, err := pipesvc.RegisterService(lg, mgr, tasks.ForTask(brokerTask.ID()), &cfg.Broker)
	if err != nil {
		return err
	}

	srv := wsgate.NewServer(lg, &cfg.Gateway, mgr, tasks, d)

	if v.ConfigFileUsed() != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			lg.ILogf("Config file changed (%s), reloading routes", e.Op)
			routes, err := decodeRoutes(v)
			if err != nil {
				lg.WLogf("Keeping previous routes: %s", err)
				return
			}
			srv.SetRoutes(routes)
		})
		v.WatchConfig()
	}

	lg.ILogf("wspiped %s starting, match policy %s", wsgate.BuildVersion, cfg.Broker.MatchPolicy)
	err = srv.ListenAndServe(ctx, cfg.Listen)
	if ctx.Err() != nil {
		lg.ILogf("Shut down by signal")
		return nil
	}
	return err
}
