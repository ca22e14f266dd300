package wsgate

import (
	"context"
	"errors"
	"net"
	"net/http"

	"github.com/sammck-go/asyncobj"
	"github.com/sammck-go/logger"
)

// HTTPServer is an http.Server with managed shutdown
type HTTPServer struct {
	*asyncobj.Helper
	srv      *http.Server
	listener net.Listener
}

// NewHTTPServer creates an HTTPServer that is not yet serving
func NewHTTPServer(log logger.Logger) *HTTPServer {
	h := &HTTPServer{
		srv: &http.Server{},
	}
	h.Helper = asyncobj.NewHelper(log.ForkLogStr("HTTPServer"), h)
	return h
}

func (h *HTTPServer) String() string {
	return "HTTPServer"
}

// Serve serves handler on l until ctx is done or the server is shut down, and returns the
// final completion value. The server takes ownership of l.
func (h *HTTPServer) Serve(ctx context.Context, l net.Listener, handler http.Handler) error {
	err := h.DoOnceActivate(
		func() error {
			h.ShutdownOnContext(ctx)
			h.srv.Handler = handler
			h.listener = l
			go func() {
				err := h.srv.Serve(l)
				if errors.Is(err, http.ErrServerClosed) {
					err = nil
				}
				h.StartShutdown(err)
			}()
			return nil
		},
		true,
	)
	if err == nil {
		err = h.WaitShutdown()
	}
	return err
}

// Addr returns the address being served, or nil before Serve
func (h *HTTPServer) Addr() net.Addr {
	h.Lock.Lock()
	defer h.Lock.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// HandleOnceShutdown is called exactly once by asyncobj.Helper, in its own goroutine
func (h *HTTPServer) HandleOnceShutdown(completionErr error) error {
	h.DLogf("HandleOnceShutdown")
	err := h.srv.Close()
	if err != nil {
		h.DLogf("Close of http server failed, ignoring: %s", err)
	}
	return completionErr
}
