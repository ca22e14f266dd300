package wsgate

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/sammck-go/logger"
)

// lockedUnixListener is a unix domain socket listener that holds an exclusive flock on a
// ".lock" file next to the socket. Holding the lock makes it safe to delete a socket file
// left behind by a listener that died.
type lockedUnixListener struct {
	logger.Logger
	net.Listener
	path      string
	lockPath  string
	lockFile  *os.File
	closeOnce sync.Once
	closeErr  error
}

// ListenUnix listens on the unix domain socket path. It fails if another process holds
// the lock for path, and replaces a stale socket file otherwise. The lock file is kept
// until Close, which also removes the socket file.
func ListenUnix(log logger.Logger, path string) (net.Listener, error) {
	if log == nil {
		log = logger.NilLogger
	}
	log = log.ForkLogStr(fmt.Sprintf("UnixListener(%q)", path))
	if path == "" {
		return nil, log.Errorf("Empty unix domain socket path")
	}
	abspath, err := filepath.Abs(path)
	if err != nil {
		return nil, log.Errorf("Invalid unix domain socket path: %s", err)
	}
	info, err := os.Stat(abspath)
	if err != nil && !os.IsNotExist(err) {
		return nil, log.Errorf("Could not stat %q: %s", abspath, err)
	}
	if info != nil && info.Mode()&os.ModeSocket == 0 {
		return nil, log.Errorf("%q exists and is not a unix domain socket", abspath)
	}

	l := &lockedUnixListener{
		Logger:   log,
		path:     abspath,
		lockPath: abspath + ".lock",
	}
	l.lockFile, err = os.OpenFile(l.lockPath, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, l.Errorf("Unable to open lock file: %s", err)
	}
	err = syscall.Flock(int(l.lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if err != nil {
		l.lockFile.Close()
		return nil, l.Errorf("Socket is in use (%q is locked): %s", l.lockPath, err)
	}
	if info != nil {
		l.DLogf("Removing stale socket file")
		if err := os.Remove(abspath); err != nil {
			l.unlock()
			return nil, l.Errorf("Unable to remove stale socket file: %s", err)
		}
	}
	l.Listener, err = net.Listen("unix", abspath)
	if err != nil {
		l.unlock()
		return nil, l.Errorf("Listen failed: %s", err)
	}
	l.DLogf("Listening")
	return l, nil
}

func (l *lockedUnixListener) unlock() error {
	// removing first lets the next listener create and lock a fresh file right away
	os.Remove(l.lockPath)
	err := syscall.Flock(int(l.lockFile.Fd()), syscall.LOCK_UN)
	if cerr := l.lockFile.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the listener, removes the socket file and releases the lock. It is
// idempotent.
func (l *lockedUnixListener) Close() error {
	l.closeOnce.Do(func() {
		os.Remove(l.path)
		l.closeErr = l.Listener.Close()
		if err := l.unlock(); err != nil && l.closeErr == nil {
			l.closeErr = err
		}
	})
	return l.closeErr
}
