package wsgate

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
	"github.com/sammck-go/logger"
	"github.com/sammck-go/wspipe/pkg/pipeconn"
)

// DialConfig controls how Dial connects to a gateway
type DialConfig struct {
	// MaxRetryCount is the number of retries after the first attempt. Negative means
	// retry forever.
	MaxRetryCount int

	// MaxRetryInterval caps the backoff between attempts. Values under a second mean
	// five minutes.
	MaxRetryInterval time.Duration

	// HandshakeTimeout bounds each websocket handshake. Zero means 45 seconds.
	HandshakeTimeout time.Duration

	// Header is sent with each handshake
	Header http.Header
}

// ErrRefused is wrapped by errors for handshakes the gateway answered with a 4xx status
var ErrRefused = errors.New("gateway refused the session")

// SessionURL builds the URL of a gateway session. gateway is the base http(s) or ws(s)
// URL of the gateway; mode is "dial" or "serve".
func SessionURL(gateway string, mode string, name string, version string) (string, error) {
	u, err := url.Parse(gateway)
	if err != nil {
		return "", err
	}
	switch mode {
	case "dial", "serve":
	default:
		return "", fmt.Errorf("unknown session mode: %q", mode)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/" + mode
	q := u.Query()
	q.Set("name", name)
	if version != "" {
		q.Set("version", version)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// RouteURL builds the URL of a dial session through a named gateway route
func RouteURL(gateway string, route string) (string, error) {
	u, err := url.Parse(gateway)
	if err != nil {
		return "", err
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/dial/" + url.PathEscape(route)
	return u.String(), nil
}

func toWebsocketURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http", "":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported URL scheme: %q", u.Scheme)
	}
	return u.String(), nil
}

// Dial opens a websocket session to a gateway and returns it as a Bipipe. Failed
// attempts are retried with exponential backoff, except handshakes refused with a 4xx
// status, which are final.
func Dial(ctx context.Context, log logger.Logger, rawURL string, cfg *DialConfig) (pipeconn.Bipipe, error) {
	var c DialConfig
	if cfg != nil {
		c = *cfg
	}
	if c.MaxRetryInterval < time.Second {
		c.MaxRetryInterval = 5 * time.Minute
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 45 * time.Second
	}
	wsURL, err := toWebsocketURL(rawURL)
	if err != nil {
		return nil, log.Errorf("Bad gateway URL %q: %s", rawURL, err)
	}
	d := websocket.Dialer{
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
		HandshakeTimeout: c.HandshakeTimeout,
		Subprotocols:     []string{Subprotocol},
	}
	b := &backoff.Backoff{Max: c.MaxRetryInterval}
	for {
		ws, resp, err := d.DialContext(ctx, wsURL, c.Header)
		if err == nil {
			log.DLogf("Connected to %s", wsURL)
			return NewWebsocketBipipe(log, ws), nil
		}
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return nil, fmt.Errorf("%w: %s: %s", ErrRefused, wsURL, resp.Status)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		attempt := int(b.Attempt())
		msg := fmt.Sprintf("Connection error: %s (Attempt: %d", err, attempt+1)
		if c.MaxRetryCount >= 0 {
			msg += fmt.Sprintf("/%d", c.MaxRetryCount+1)
		}
		log.DLogf(msg + ")")
		if c.MaxRetryCount >= 0 && attempt >= c.MaxRetryCount {
			return nil, log.Errorf("Giving up on %s: %s", wsURL, err)
		}
		delay := b.Duration()
		log.ILogf("Retrying in %s...", delay)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}
