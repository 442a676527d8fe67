// Package idempotency deduplicates client order IDs across restarts: a
// deterministic ID derived from (symbol, timestamp, quantity), time-boxed by
// wall clock, and persisted with the teacher's tmp+backup+rename write
// sequence so a crash mid-write never corrupts the live file.
package idempotency

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marketcore/tradingcore/internal/bars"
	"github.com/marketcore/tradingcore/internal/money"
)

const schemaVersion = 2

// Entry is one tracked submission.
type Entry struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp_ms"`
}

type fileV2 struct {
	Version      int     `json:"version"`
	SubmittedIDs []Entry `json:"submitted_ids"`
	LastUpdated  int64   `json:"last_updated"`
}

// Tracker is the crash-safe, time-boxed dedup store for client order IDs.
type Tracker struct {
	mu            sync.Mutex
	path          string
	expiration    time.Duration
	entries       map[string]int64 // id -> submit wallclock ms
	now           func() time.Time
}

// New creates a Tracker backed by path, with entries considered fresh for
// expiration past their submit wall-clock time.
func New(path string, expiration time.Duration) *Tracker {
	return &Tracker{
		path:       path,
		expiration: expiration,
		entries:    make(map[string]int64),
		now:        time.Now,
	}
}

// GenerateID deterministically derives a client order ID from
// (symbol, ts_ms, signed_qty): SYMBOL_tsms_first12hexofSHA1(SYMBOL|ts_ms|qty).
func GenerateID(symbol bars.Symbol, ts time.Time, signedQty money.D) string {
	tsMs := ts.UnixMilli()
	normQty := normalizeQty(signedQty)
	h := sha1.Sum([]byte(fmt.Sprintf("%s|%d|%s", symbol, tsMs, normQty)))
	return fmt.Sprintf("%s_%d_%s", symbol, tsMs, hex.EncodeToString(h[:])[:12])
}

// normalizeQty renders a quantity as spec §6's bit-exact normalized_qty:
// trailing fractional zeros (and a bare trailing point) stripped, "0" for
// zero. decimal.Decimal.String() already drops trailing fractional zeros
// (10.50 prints "10.5"); the trimming here keeps that form explicit so the
// hash input depends on the quantity's value alone.
func normalizeQty(d money.D) string {
	if d.IsZero() {
		return "0"
	}
	s := d.String()
	if !strings.Contains(s, ".") {
		return s
	}
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	return s
}

// IsDuplicate reports whether id is present and still fresh.
func (t *Tracker) IsDuplicate(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	submitted, ok := t.entries[id]
	if !ok {
		return false
	}
	return t.now().UnixMilli()-submitted < t.expiration.Milliseconds()
}

// MarkSubmitted inserts id with the current wall-clock time and persists
// before returning. The coordinator calls it only after the broker has
// accepted the order, so an I/O error here is logged, not a reason to
// withdraw an order the broker already holds.
func (t *Tracker) MarkSubmitted(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[id] = t.now().UnixMilli()
	return t.persistLocked()
}

// ClearSubmitted removes id, used to roll back a MarkSubmitted whose
// subsequent broker.Submit failed.
func (t *Tracker) ClearSubmitted(id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, id)
	return t.persistLocked()
}

// ClearStale evicts entries older than the expiration window and returns the
// count removed. Called on startup.
func (t *Tracker) ClearStale() (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().UnixMilli() - t.expiration.Milliseconds()
	removed := 0
	for id, ts := range t.entries {
		if ts < cutoff {
			delete(t.entries, id)
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}
	return removed, t.persistLocked()
}

// ClearOld trims to the most-recent retention entries by submit timestamp.
// Called on daily risk reset.
func (t *Tracker) ClearOld(retention int) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) <= retention {
		return 0, nil
	}
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return t.entries[ids[i]] > t.entries[ids[j]] })
	removed := 0
	for _, id := range ids[retention:] {
		delete(t.entries, id)
		removed++
	}
	return removed, t.persistLocked()
}

// Len reports the number of tracked entries. Test/diagnostic helper.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Tracker) persistLocked() error {
	ids := make([]string, 0, len(t.entries))
	for id := range t.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	entries := make([]Entry, 0, len(ids))
	for _, id := range ids {
		entries = append(entries, Entry{ID: id, Timestamp: t.entries[id]})
	}
	f := fileV2{Version: schemaVersion, SubmittedIDs: entries, LastUpdated: t.now().UnixMilli()}
	buf, err := json.MarshalIndent(f, "", " ")
	if err != nil {
		return err
	}

	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0644); err != nil {
		return err
	}
	if _, err := os.Stat(t.path); err == nil {
		if err := os.Rename(t.path, t.path+".backup"); err != nil {
			return err
		}
	}
	return os.Rename(tmp, t.path)
}

// Load restores entries from the primary file, falling back to the backup on
// failure. A restore from backup triggers an immediate rewrite of primary.
// I/O or parse errors leave the tracker empty (logged by the caller, not
// fatal): startup must proceed even with a corrupt state file.
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf, err := os.ReadFile(t.path)
	usedBackup := false
	if err != nil {
		buf, err = os.ReadFile(t.path + ".backup")
		if err != nil {
			t.entries = make(map[string]int64)
			return nil
		}
		usedBackup = true
	}

	entries, parseErr := parseFile(buf)
	if parseErr != nil {
		if !usedBackup {
			buf, err = os.ReadFile(t.path + ".backup")
			if err == nil {
				entries, parseErr = parseFile(buf)
				usedBackup = true
			}
		}
		if parseErr != nil {
			t.entries = make(map[string]int64)
			return nil
		}
	}

	t.entries = entries
	if usedBackup {
		return t.persistLocked()
	}
	return nil
}

// parseFile accepts both the current {version, submitted_ids} schema and the
// legacy version-1 bare list of id strings. Legacy entries have no persisted
// timestamp; it is recovered from the id's embedded epoch-ms segment, with
// zero as the ultimate fallback (immediately stale, which is safe: it only
// risks a spurious resubmission window of zero, never a false duplicate).
func parseFile(buf []byte) (map[string]int64, error) {
	var v2 fileV2
	if err := json.Unmarshal(buf, &v2); err == nil && v2.Version >= 2 {
		out := make(map[string]int64, len(v2.SubmittedIDs))
		for _, e := range v2.SubmittedIDs {
			out[e.ID] = e.Timestamp
		}
		return out, nil
	}

	var legacy []string
	if err := json.Unmarshal(buf, &legacy); err == nil {
		out := make(map[string]int64, len(legacy))
		for _, id := range legacy {
			out[id] = timestampFromID(id)
		}
		return out, nil
	}

	var v1 struct {
		SubmittedIDs []string `json:"submitted_ids"`
	}
	if err := json.Unmarshal(buf, &v1); err == nil && v1.SubmittedIDs != nil {
		out := make(map[string]int64, len(v1.SubmittedIDs))
		for _, id := range v1.SubmittedIDs {
			out[id] = timestampFromID(id)
		}
		return out, nil
	}

	return nil, fmt.Errorf("idempotency: unrecognized state file schema")
}

// timestampFromID extracts the epoch-ms segment embedded in a generated ID
// (SYMBOL_tsms_hash). Falls back to zero if the id predates this format.
func timestampFromID(id string) int64 {
	parts := strings.Split(id, "_")
	if len(parts) < 2 {
		return 0
	}
	ts, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0
	}
	return ts
}
