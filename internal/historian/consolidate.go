package historian

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	_ "modernc.org/sqlite"

	"github.com/HomoYouDidnt/kloros/internal/config"
	"github.com/HomoYouDidnt/kloros/internal/ledger"
	"github.com/HomoYouDidnt/kloros/internal/logging"
)

// Episode is one compacted history segment.
type Episode struct {
	SegmentKey    string          `json:"segment_key"`
	StartTS       time.Time       `json:"start_ts"`
	EndTS         time.Time       `json:"end_ts"`
	MessageCount  int             `json:"message_count"`
	SignalsByType map[string]int  `json:"signals_by_type"`
	Senders       []string        `json:"senders"`
	Preserved     []HistoryRecord `json:"preserved"`
}

// EpisodicStore holds compacted segments in sqlite, the durable home for
// post-hoc consolidation output.
type EpisodicStore struct {
	db *sql.DB
}

// OpenEpisodicStore opens (creating if needed) the episodes database.
func OpenEpisodicStore(path string) (*EpisodicStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open episodic store: %w", err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS episodes (
		segment_key     TEXT PRIMARY KEY,
		start_ts        INTEGER NOT NULL,
		end_ts          INTEGER NOT NULL,
		message_count   INTEGER NOT NULL,
		signals_by_type TEXT NOT NULL,
		senders         TEXT NOT NULL,
		preserved       TEXT NOT NULL,
		created_ts      INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create episodes table: %w", err)
	}
	return &EpisodicStore{db: db}, nil
}

// Append inserts one episode. Re-inserting the same segment key is a no-op,
// which is what makes consolidation idempotent.
func (s *EpisodicStore) Append(ep *Episode) (inserted bool, err error) {
	signals, err := json.Marshal(ep.SignalsByType)
	if err != nil {
		return false, err
	}
	senders, err := json.Marshal(ep.Senders)
	if err != nil {
		return false, err
	}
	preserved, err := json.Marshal(ep.Preserved)
	if err != nil {
		return false, err
	}
	res, err := s.db.Exec(
		`INSERT OR IGNORE INTO episodes
		 (segment_key, start_ts, end_ts, message_count, signals_by_type, senders, preserved, created_ts)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.SegmentKey, ep.StartTS.UnixMilli(), ep.EndTS.UnixMilli(), ep.MessageCount,
		string(signals), string(senders), string(preserved), time.Now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to append episode: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// Count returns how many episodes are stored.
func (s *EpisodicStore) Count() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM episodes`).Scan(&n)
	return n, err
}

// Get loads one episode by segment key.
func (s *EpisodicStore) Get(key string) (*Episode, error) {
	var (
		ep                          Episode
		startMs, endMs              int64
		signals, senders, preserved string
	)
	err := s.db.QueryRow(
		`SELECT segment_key, start_ts, end_ts, message_count, signals_by_type, senders, preserved
		 FROM episodes WHERE segment_key = ?`, key,
	).Scan(&ep.SegmentKey, &startMs, &endMs, &ep.MessageCount, &signals, &senders, &preserved)
	if err != nil {
		return nil, err
	}
	ep.StartTS = time.UnixMilli(startMs)
	ep.EndTS = time.UnixMilli(endMs)
	if err := json.Unmarshal([]byte(signals), &ep.SignalsByType); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(senders), &ep.Senders); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(preserved), &ep.Preserved); err != nil {
		return nil, err
	}
	return &ep, nil
}

// Close releases the database.
func (s *EpisodicStore) Close() error {
	return s.db.Close()
}

// ConsolidateResult summarizes one consolidation pass.
type ConsolidateResult struct {
	Compacted int // messages folded into the episode
	Kept      int // recent messages left in bus_history
	Appended  bool
}

// Consolidate folds bus_history entries older than the cutoff into one
// compacted episode, then rewrites bus_history keeping only the recent
// window. The episode is committed before any pruning so a failed write
// never loses raw data. Running twice over the same input is a no-op.
func Consolidate(cfg *config.Config, store *EpisodicStore, now time.Time) (*ConsolidateResult, error) {
	timer := logging.StartTimer(logging.CategoryHistorian, "consolidation")
	defer timer.Stop()

	records, err := ledger.ReadRecords[HistoryRecord](cfg.BusHistoryPath())
	if err != nil {
		return nil, err
	}

	cutoff := now.Add(-time.Duration(cfg.Historian.ConsolidateAfterSec) * time.Second)
	var old, recent []HistoryRecord
	for _, r := range records {
		if r.ReceivedTS.Before(cutoff) {
			old = append(old, r)
		} else {
			recent = append(recent, r)
		}
	}
	if len(old) == 0 {
		return &ConsolidateResult{Kept: len(recent)}, nil
	}

	ep := buildEpisode(old, cfg.Historian.PreserveSignals)
	inserted, err := store.Append(ep)
	if err != nil {
		// The raw data stays; a later run retries.
		return nil, err
	}

	if err := rewriteHistory(cfg.BusHistoryPath(), recent); err != nil {
		return nil, err
	}
	logging.Get(logging.CategoryHistorian).Info("consolidated %d messages into segment %s (kept %d)",
		len(old), ep.SegmentKey[:12], len(recent))
	return &ConsolidateResult{Compacted: len(old), Kept: len(recent), Appended: inserted}, nil
}

// buildEpisode compacts a segment: counts by signal, active senders, and
// verbatim copies of preserve-set signals.
func buildEpisode(old []HistoryRecord, preserveSet []string) *Episode {
	preserve := make(map[string]bool, len(preserveSet))
	for _, s := range preserveSet {
		preserve[s] = true
	}

	ep := &Episode{
		StartTS:       old[0].ReceivedTS,
		EndTS:         old[0].ReceivedTS,
		MessageCount:  len(old),
		SignalsByType: make(map[string]int),
	}
	senders := make(map[string]bool)
	h := sha256.New()
	for _, r := range old {
		if r.ReceivedTS.Before(ep.StartTS) {
			ep.StartTS = r.ReceivedTS
		}
		if r.ReceivedTS.After(ep.EndTS) {
			ep.EndTS = r.ReceivedTS
		}
		ep.SignalsByType[r.Message.Signal]++
		senders[r.Message.Sender] = true
		if preserve[r.Message.Signal] {
			ep.Preserved = append(ep.Preserved, r)
		}
		fmt.Fprintf(h, "%d|%s|%s\n", r.Message.Seq, r.Message.Signal, r.ReceivedTS.UTC().Format(time.RFC3339Nano))
	}
	for s := range senders {
		ep.Senders = append(ep.Senders, s)
	}
	sort.Strings(ep.Senders)
	ep.SegmentKey = hex.EncodeToString(h.Sum(nil))
	return ep
}

// rewriteHistory atomically replaces bus_history with the recent window.
func rewriteHistory(path string, recent []HistoryRecord) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open history rewrite: %w", err)
	}
	for _, r := range recent {
		data, merr := json.Marshal(r)
		if merr != nil {
			f.Close()
			return merr
		}
		if _, werr := f.Write(append(data, '\n')); werr != nil {
			f.Close()
			return fmt.Errorf("failed to rewrite history: %w", werr)
		}
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
