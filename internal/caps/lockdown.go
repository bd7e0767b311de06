package caps

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// LockdownFile is the flag file that marks an active lockdown.
const LockdownFile = "LOCKDOWN"

// LockdownStatus describes the global lockdown flag.
type LockdownStatus struct {
	Active bool       `json:"active"`
	Reason string     `json:"reason,omitempty"`
	Since  *time.Time `json:"since,omitempty"`
}

type lockdownRecord struct {
	Reason string    `json:"reason"`
	Since  time.Time `json:"since"`
}

// Lockdown is the global override that forces every cap to HALTED. The flag
// is mirrored to a file so every process sharing the data directory sees it;
// Watch keeps a long-running process in sync with changes made elsewhere.
type Lockdown struct {
	path   string
	logger *zap.Logger

	mu     sync.RWMutex
	status LockdownStatus

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewLockdown returns a lockdown flag stored in dir. An empty dir keeps the
// flag in memory only.
func NewLockdown(dir string, logger *zap.Logger) *Lockdown {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Lockdown{logger: logger.Named("lockdown")}
	if dir != "" {
		l.path = filepath.Join(dir, LockdownFile)
		l.sync()
	}
	return l
}

// Active reports whether lockdown is engaged.
func (l *Lockdown) Active() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.status.Active
}

// Status returns a copy of the flag state.
func (l *Lockdown) Status() LockdownStatus {
	l.mu.RLock()
	defer l.mu.RUnlock()
	st := l.status
	if st.Since != nil {
		t := *st.Since
		st.Since = &t
	}
	return st
}

// Engage activates lockdown.
func (l *Lockdown) Engage(reason string) error {
	now := time.Now().UTC()
	if l.path != "" {
		data, err := json.Marshal(lockdownRecord{Reason: reason, Since: now})
		if err != nil {
			return fmt.Errorf("encode lockdown: %w", err)
		}
		if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
			return fmt.Errorf("create lockdown dir: %w", err)
		}
		if err := os.WriteFile(l.path, data, 0o644); err != nil {
			return fmt.Errorf("write lockdown flag: %w", err)
		}
	}
	l.set(LockdownStatus{Active: true, Reason: reason, Since: &now})
	l.logger.Warn("lockdown engaged", zap.String("reason", reason))
	return nil
}

// Release deactivates lockdown. Releasing an inactive lockdown is a no-op.
func (l *Lockdown) Release() error {
	if l.path != "" {
		if err := os.Remove(l.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove lockdown flag: %w", err)
		}
	}
	l.set(LockdownStatus{})
	l.logger.Info("lockdown released")
	return nil
}

func (l *Lockdown) set(st LockdownStatus) {
	l.mu.Lock()
	l.status = st
	l.mu.Unlock()
}

// sync reloads the flag from its file.
func (l *Lockdown) sync() {
	data, err := os.ReadFile(l.path)
	if errors.Is(err, os.ErrNotExist) {
		l.set(LockdownStatus{})
		return
	}
	if err != nil {
		// fail closed: an unreadable flag still locks down
		l.logger.Warn("lockdown flag unreadable", zap.Error(err))
		l.set(LockdownStatus{Active: true, Reason: "unreadable lockdown flag"})
		return
	}

	var rec lockdownRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		// a bare `touch LOCKDOWN` is a valid way to engage
		l.set(LockdownStatus{Active: true})
		return
	}
	since := rec.Since
	l.set(LockdownStatus{Active: true, Reason: rec.Reason, Since: &since})
}

// Watch follows the flag file until ctx is done or Stop is called. Calling
// Watch again after ctx ended starts a new watch.
func (l *Lockdown) Watch(ctx context.Context) error {
	if l.path == "" {
		return nil
	}
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	if l.watcher != nil {
		select {
		case <-l.doneCh:
			// the previous watch ended with its context
			l.watcher = nil
		default:
			return nil
		}
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(l.path)); err != nil {
		w.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(l.path), err)
	}
	l.watcher = w
	l.stopCh = make(chan struct{})
	l.doneCh = make(chan struct{})

	// pick up changes made before the watch started
	l.sync()
	go l.run(ctx, w, l.stopCh, l.doneCh)
	return nil
}

// run owns w and closes it on every exit path.
func (l *Lockdown) run(ctx context.Context, w *fsnotify.Watcher, stop, done chan struct{}) {
	defer close(done)
	defer func() {
		if err := w.Close(); err != nil {
			l.logger.Warn("closing lockdown watcher", zap.Error(err))
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != LockdownFile {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			was := l.Active()
			l.sync()
			if now := l.Active(); now != was {
				l.logger.Info("lockdown flag changed", zap.Bool("active", now))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Warn("lockdown watcher error", zap.Error(err))
		}
	}
}

// Stop ends Watch and waits for its goroutine to exit.
func (l *Lockdown) Stop() {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	if l.watcher == nil {
		return
	}
	select {
	case <-l.doneCh:
	default:
		close(l.stopCh)
		<-l.doneCh
	}
	l.watcher = nil
}

// watching reports whether a watch goroutine is running.
func (l *Lockdown) watching() bool {
	l.watchMu.Lock()
	defer l.watchMu.Unlock()
	if l.watcher == nil {
		return false
	}
	select {
	case <-l.doneCh:
		return false
	default:
		return true
	}
}
