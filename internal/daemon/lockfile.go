package daemon

import (
	"errors"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/strobehq/strobe/internal/errs"
)

// Lock is a held daemon singleton lock.
type Lock struct {
	f *os.File
}

// ErrAlreadyLocked reports that another daemon instance holds the lock —
// the one outcome callers treat as benign contention rather than a
// failure.
var ErrAlreadyLocked = errors.New("daemon lock already held")

// AcquireLock takes the daemon lock with non-blocking exclusive
// semantics. Only "already held" maps to ErrAlreadyLocked; any other
// error (permissions, read-only filesystem, ...) is reported as itself,
// never silently treated as contention.
func AcquireLock(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, errs.Wrap("daemon.lock", errs.KindInternal, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if err == unix.EWOULDBLOCK {
			return nil, ErrAlreadyLocked
		}
		return nil, errs.Wrap("daemon.lock", errs.KindInternal, err)
	}

	f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())
	return &Lock{f: f}, nil
}

// Release drops the lock and removes the file.
func (l *Lock) Release() {
	path := l.f.Name()
	unix.Flock(int(l.f.Fd()), unix.LOCK_UN)
	l.f.Close()
	os.Remove(path)
}
