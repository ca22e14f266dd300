package main

import (
	"context"
	"net"

	"github.com/sammck-go/logger"
	"github.com/sammck-go/wspipe/pkg/pipeconn"
	"github.com/sammck-go/wspipe/pkg/wsgate"
)

// forwardListener accepts TCP connections on addr and bridges each one to its own gateway
// session until ctx is done
func forwardListener(ctx context.Context, lg logger.Logger, addr string, sessionURL string, cfg *wsgate.DialConfig) error {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return lg.Errorf("TCP listen on %s failed: %s", addr, err)
	}
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	lg.ILogf("Forwarding connections on %s to %s", l.Addr(), sessionURL)
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return lg.Errorf("Accept failed: %s", err)
		}
		go forwardConn(ctx, lg, pipeconn.NewNetConnBipipe(lg, conn), sessionURL, cfg)
	}
}

func forwardConn(ctx context.Context, lg logger.Logger, local pipeconn.Bipipe, sessionURL string, cfg *wsgate.DialConfig) {
	ws, err := wsgate.Dial(ctx, lg, sessionURL, cfg)
	if err != nil {
		lg.WLogf("Dropping %v: %s", local, err)
		local.Close()
		return
	}
	br := pipeconn.NewBridge(lg, ws, local, 0)
	br.ShutdownOnContext(ctx)
	if err := br.WaitShutdown(); err != nil {
		lg.DLogf("%v ended: %s", br, err)
	}
}

// connectTarget dials the TCP address a served session is bridged to
func connectTarget(lg logger.Logger, addr string) (pipeconn.Bipipe, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, lg.Errorf("TCP connect to %s failed: %s", addr, err)
	}
	return pipeconn.NewNetConnBipipe(lg, conn), nil
}
