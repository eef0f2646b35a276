package deputy

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/gofrs/flock"
	"github.com/pkg/errors"
)

// ResolveHostname returns override if non-empty, otherwise the OS-reported
// hostname.
func ResolveHostname(override string) (string, error) {
	if override != "" {
		return override, nil
	}

	h, err := os.Hostname()
	if err != nil {
		return "", errors.Wrap(err, "failed to determine hostname")
	}
	return h, nil
}

func lockDir() string {
	return filepath.Join(os.TempDir(), "deputy")
}

// AcquireLock takes an exclusive, non-blocking lock scoped to host, so at
// most one deputy runs per host at a time. Failure to acquire it is a Fatal
// error (the same class as "cannot create loop").
func AcquireLock(host string) (*flock.Flock, error) {
	if err := os.MkdirAll(lockDir(), 0o755); err != nil {
		return nil, wrapErr(Fatal, 0, err, "failed to create lock directory")
	}

	path := filepath.Join(lockDir(), host+".lock")
	fl := flock.New(path)

	ok, err := fl.TryLock()
	if err != nil {
		return nil, wrapErr(Fatal, 0, err, "failed to acquire deputy lock")
	}
	if !ok {
		return nil, wrapErr(Fatal, 0, errors.Errorf("a deputy is already running for host %q", host), "startup")
	}

	return fl, nil
}

// OpenLogFile opens path for append, creating it if necessary, matching the
// -l/--log contract
func OpenLogFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, wrapErr(Fatal, 0, err, "failed to open log file")
	}
	return f, nil
}

// LogWatcher keeps a *os.File open for append and transparently reopens it
// if the underlying path is rotated out from under it (e.g. by logrotate):
// it watches the log file's directory for the rename/remove that a
// rotation produces and reopens the path in place.
type LogWatcher struct {
	path string
	file *os.File
	w    *fsnotify.Watcher

	stop chan struct{}
	done chan struct{}
}

// WatchLogFile opens path and starts watching its directory for rotation.
func WatchLogFile(path string) (*LogWatcher, error) {
	f, err := OpenLogFile(path)
	if err != nil {
		return nil, err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		f.Close()
		return nil, errors.Wrap(err, "failed to create log-file watcher")
	}

	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		f.Close()
		return nil, errors.Wrapf(err, "failed to watch %s for rotation", dir)
	}

	lw := &LogWatcher{
		path: path,
		file: f,
		w:    w,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go lw.run()

	return lw, nil
}

func (lw *LogWatcher) run() {
	defer close(lw.done)

	base := filepath.Base(lw.path)
	for {
		select {
		case <-lw.stop:
			return

		case ev, ok := <-lw.w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != base {
				continue
			}
			if ev.Op&(fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}

			if f, err := OpenLogFile(lw.path); err == nil {
				old := lw.file
				lw.file = f
				old.Close()
			}

		case <-lw.w.Errors:
			// Best-effort: a watch error just means rotation detection is
			// degraded, not that logging itself has failed.
		}
	}
}

// Write implements io.Writer, always writing to the currently-open file
// even across a reopen triggered by rotation.
func (lw *LogWatcher) Write(p []byte) (int, error) {
	return lw.file.Write(p)
}

// Close stops the watcher and closes the log file.
func (lw *LogWatcher) Close() error {
	close(lw.stop)
	<-lw.done
	lw.w.Close()
	return lw.file.Close()
}
