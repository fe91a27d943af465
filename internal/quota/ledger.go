// Package quota tracks weekly quota exhaustion for the native upstream.
// The ledger persists across restarts and clears itself at the next Monday
// 00:00 local-time boundary.
package quota

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// stateVersion is the persisted schema version.
const stateVersion = 2

// State is the native upstream's quota ledger entry.
type State struct {
	Exhausted     bool       `json:"quota_exhausted"`
	ExhaustedAt   *time.Time `json:"exhausted_at,omitempty"`
	ResetAt       *time.Time `json:"reset_at,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	RequestCount  int64      `json:"request_count"`
	LastRequestAt *time.Time `json:"last_request_at,omitempty"`
}

// fileState is the on-disk envelope.
type fileState struct {
	NativeAPI State `json:"native_api"`
	Version   int   `json:"version"`
}

// Ledger is the persistent quota ledger. All mutators persist synchronously
// via temp-file-and-rename under a single mutex.
type Ledger struct {
	mu    sync.Mutex
	path  string
	state State
	loc   *time.Location
	now   func() time.Time
}

// NewLedger loads (or initialises) the ledger at path. loc is the timezone
// used for the Monday-midnight boundary; nil means time.Local.
func NewLedger(path string, loc *time.Location) (*Ledger, error) {
	if loc == nil {
		loc = time.Local
	}
	l := &Ledger{path: path, loc: loc, now: time.Now}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("failed to read quota file: %w", err)
	}
	var fs fileState
	if err := json.Unmarshal(data, &fs); err != nil {
		log.Printf("[Quota] WARNING: Corrupt quota file %s, starting fresh: %v", path, err)
		return l, nil
	}
	l.state = fs.NativeAPI
	return l, nil
}

// IsNativeAvailable reports whether the native upstream may be used. The
// weekly auto-reset check runs first.
func (l *Ledger) IsNativeAvailable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkAutoResetLocked()
	return !l.state.Exhausted
}

// MarkNativeExhausted flags the native upstream as exhausted until the next
// Monday 00:00 local.
func (l *Ledger) MarkNativeExhausted(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now().In(l.loc)
	reset := NextMondayMidnight(now)
	l.state.Exhausted = true
	l.state.ExhaustedAt = &now
	l.state.ResetAt = &reset
	l.state.LastError = msg
	l.persistLocked()

	log.Printf("[Quota] Native upstream exhausted (%s), resets %s",
		msg, reset.Format("2006-01-02 15:04 MST"))
}

// RecordRequest bumps the observability counters.
func (l *Ledger) RecordRequest() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now().In(l.loc)
	l.state.RequestCount++
	l.state.LastRequestAt = &now
	l.persistLocked()
}

// ResetNative manually clears the exhausted state.
func (l *Ledger) ResetNative() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetLocked()
	l.persistLocked()
	log.Printf("[Quota] Native quota manually reset")
}

// Status returns a snapshot after the auto-reset check.
func (l *Ledger) Status() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkAutoResetLocked()
	return l.state
}

// TimeUntilReset formats the remaining time as "Xd Yh Zm", empty when the
// ledger is not exhausted.
func (l *Ledger) TimeUntilReset() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.checkAutoResetLocked()
	if !l.state.Exhausted || l.state.ResetAt == nil {
		return ""
	}
	d := l.state.ResetAt.Sub(l.now())
	if d < 0 {
		d = 0
	}
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
}

// checkAutoResetLocked clears the exhausted flag once the reset boundary
// has passed. Persisted so a restart doesn't resurrect stale state.
func (l *Ledger) checkAutoResetLocked() {
	if !l.state.Exhausted || l.state.ResetAt == nil {
		return
	}
	if l.now().Before(*l.state.ResetAt) {
		return
	}
	log.Printf("[Quota] Weekly boundary passed, clearing exhausted state")
	l.resetLocked()
	l.persistLocked()
}

func (l *Ledger) resetLocked() {
	l.state = State{}
}

// persistLocked writes the ledger with temp-file-and-rename. Persistence
// failures are logged, never fatal.
func (l *Ledger) persistLocked() {
	if l.path == "" {
		return
	}
	fs := fileState{NativeAPI: l.state, Version: stateVersion}
	data, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		log.Printf("[Quota] WARNING: Failed to marshal quota state: %v", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0700); err != nil {
		log.Printf("[Quota] WARNING: Failed to create quota directory: %v", err)
		return
	}
	tmp := l.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		log.Printf("[Quota] WARNING: Failed to write quota state: %v", err)
		return
	}
	if err := os.Rename(tmp, l.path); err != nil {
		os.Remove(tmp)
		log.Printf("[Quota] WARNING: Failed to replace quota state: %v", err)
	}
}

// NextMondayMidnight returns the next Monday 00:00 in now's location. When
// now is already Monday (even exactly midnight), the following Monday is
// returned, a full seven days out.
func NextMondayMidnight(now time.Time) time.Time {
	days := (8 - int(now.Weekday())) % 7
	if days == 0 {
		days = 7
	}
	next := now.AddDate(0, 0, days)
	return time.Date(next.Year(), next.Month(), next.Day(), 0, 0, 0, 0, now.Location())
}
