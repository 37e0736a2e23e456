// Package historian persists all bus traffic to the rolling bus_history
// ledger and compacts old segments into the episodic store.
package historian

import (
	"os"
	"sync"
	"time"

	"github.com/HomoYouDidnt/kloros/internal/chembus"
	"github.com/HomoYouDidnt/kloros/internal/config"
	"github.com/HomoYouDidnt/kloros/internal/ledger"
	"github.com/HomoYouDidnt/kloros/internal/logging"
)

// SubscriberName is the historian's bus registration.
const SubscriberName = "historian"

// GovHistoryRotated is emitted on emergency rotation.
const GovHistoryRotated = "governance.history_rotated"

// sizeCheckEvery bounds stat calls on the hot append path.
const sizeCheckEvery = 256

// HistoryRecord is one archived bus message.
type HistoryRecord struct {
	SchemaVersion string          `json:"schema_version"`
	ReceivedTS    time.Time       `json:"received_ts"`
	Message       chembus.Message `json:"message"`
}

// Historian is the match-all subscriber.
type Historian struct {
	cfg *config.Config
	pub *chembus.Publisher

	mu          sync.Mutex
	appender    *ledger.Appender
	sinceCheck  int
	totalStored int64
}

// New opens bus_history and subscribes with the empty (match-all) prefix.
func New(cfg *config.Config, bus *chembus.Bus) (*Historian, error) {
	appender, err := ledger.OpenAppender(cfg.BusHistoryPath(), false)
	if err != nil {
		return nil, err
	}
	h := &Historian{cfg: cfg, appender: appender}
	if bus != nil {
		h.pub = bus.Publisher(SubscriberName)
		if err := bus.Subscribe("", h.handle, SubscriberName, ""); err != nil {
			appender.Close()
			return nil, err
		}
	}
	return h, nil
}

func (h *Historian) handle(msg chembus.Message) {
	rec := HistoryRecord{
		SchemaVersion: ledger.RecordSchemaVersion,
		ReceivedTS:    time.Now(),
		Message:       msg,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.appender.Append(rec); err != nil {
		logging.Get(logging.CategoryHistorian).Error("failed to archive %s: %v", msg.Signal, err)
		return
	}
	h.totalStored++
	h.sinceCheck++
	if h.sinceCheck >= sizeCheckEvery {
		h.sinceCheck = 0
		h.rotateIfOversized()
	}
}

// rotateIfOversized performs the emergency rotation when bus_history grows
// past the soft cap: rename to .old, start fresh.
func (h *Historian) rotateIfOversized() {
	path := h.cfg.BusHistoryPath()
	info, err := os.Stat(path)
	if err != nil || info.Size() <= h.cfg.Historian.SoftCapBytes {
		return
	}

	_ = h.appender.Close()
	if err := os.Rename(path, path+".old"); err != nil {
		logging.Get(logging.CategoryHistorian).Error("emergency rotation failed: %v", err)
	}
	fresh, err := ledger.OpenAppender(path, false)
	if err != nil {
		logging.Get(logging.CategoryHistorian).Error("failed to reopen bus_history: %v", err)
		return
	}
	h.appender = fresh
	logging.Get(logging.CategoryHistorian).Warn("bus_history rotated at %d bytes", info.Size())
	if h.pub != nil {
		_ = h.pub.Emit(GovHistoryRotated, "core", 1.0, map[string]interface{}{
			"size_bytes": info.Size(),
		})
	}
}

// ConsolidateNow runs a consolidation pass coordinated with the live
// appender: the history file is closed for the rewrite and reopened after,
// so no appends land on an unlinked inode.
func (h *Historian) ConsolidateNow(store *EpisodicStore, now time.Time) (*ConsolidateResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.appender.Close(); err != nil {
		return nil, err
	}
	res, cerr := Consolidate(h.cfg, store, now)
	fresh, oerr := ledger.OpenAppender(h.cfg.BusHistoryPath(), false)
	if oerr != nil {
		return res, oerr
	}
	h.appender = fresh
	return res, cerr
}

// Stored reports how many messages this historian archived.
func (h *Historian) Stored() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totalStored
}

// Close stops archiving. Unsubscribe on the bus side first.
func (h *Historian) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.appender.Close()
}
