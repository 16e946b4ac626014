package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
)

// Status of the most recent poll
type Status string

const (
	StatusPending Status = "pending" // nothing fetched yet
	StatusOK      Status = "ok"
	StatusEmpty   Status = "empty"
	StatusError   Status = "error"
)

// noDataMessage is shown when the sheet returns no rows
const noDataMessage = "No data found."

// Snapshot is the cleaned result of one poll. A new snapshot replaces the previous one.
type Snapshot struct {
	Version      uint64
	FetchedAt    time.Time
	Status       Status
	Err          string // last fetch/parse error when Status is StatusError
	Observations []Observation
	Rejected     int
	FirstReject  string
	Hash         string // content hash of the accepted rows
	Changed      bool   // content differs from the previous successful poll
}

// Message is the banner text for the snapshot's status.
func (s *Snapshot) Message() string {
	switch s.Status {
	case StatusEmpty:
		return noDataMessage
	case StatusError:
		return "Error fetching data: " + s.Err
	}
	if s.Rejected > 0 {
		return fmt.Sprintf("%d rows skipped (%s)", s.Rejected, s.FirstReject)
	}
	return ""
}

// SnapshotStore holds the latest snapshot for concurrent readers.
type SnapshotStore struct {
	mu   sync.RWMutex
	snap *Snapshot
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{}
}

// Latest returns nil before the first poll completes.
func (s *SnapshotStore) Latest() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

func (s *SnapshotStore) set(snap *Snapshot) {
	s.mu.Lock()
	s.snap = snap
	s.mu.Unlock()
}

// SnapshotHandler is called after every poll, in registration order.
type SnapshotHandler func(ctx context.Context, snap *Snapshot)

// PollerConfig holds the loop timings
type PollerConfig struct {
	Interval     time.Duration // sleep after a successful poll
	ErrorBackoff time.Duration // sleep after a failed poll
	FetchTimeout time.Duration
	Location     *time.Location
	DateOrder    DateOrder // how slash dates in the sheet are read
}

// Poller is the fetch → clean → publish loop.
type Poller struct {
	cfg      PollerConfig
	source   Source
	store    *SnapshotStore
	metrics  *Collector
	handlers []SnapshotHandler

	version  uint64
	lastHash string
	sleep    func(ctx context.Context, d time.Duration) bool
}

// NewPoller applies the 1s/5s defaults to zero timings.
func NewPoller(cfg PollerConfig, source Source, store *SnapshotStore, metrics *Collector) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if metrics == nil {
		metrics = NewCollector()
	}
	return &Poller{
		cfg:     cfg,
		source:  source,
		store:   store,
		metrics: metrics,
		sleep:   sleepCtx,
	}
}

// OnSnapshot registers a handler. Not safe to call once Run has started.
func (p *Poller) OnSnapshot(h SnapshotHandler) {
	p.handlers = append(p.handlers, h)
}

// Run polls until ctx is cancelled. Every failure is retried after the backoff, without limit.
func (p *Poller) Run(ctx context.Context) {
	log.Printf("[POLL] started (source: %s, interval: %v, backoff: %v)", p.source.Name(), p.cfg.Interval, p.cfg.ErrorBackoff)
	for {
		delay := p.cfg.Interval
		if _, err := p.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				break
			}
			delay = p.cfg.ErrorBackoff
		}
		if !p.sleep(ctx, delay) {
			break
		}
	}
	log.Printf("[POLL] stopped: %v", ctx.Err())
}

// RunOnce performs a single poll, stores and publishes the snapshot, and returns it.
// An empty sheet is not an error.
func (p *Poller) RunOnce(ctx context.Context) (*Snapshot, error) {
	start := time.Now()
	snap, err := p.poll(ctx)
	p.metrics.RecordPoll(time.Since(start), snap.Status, len(snap.Observations), snap.Rejected)

	switch snap.Status {
	case StatusError:
		log.Printf("[POLL] fetch failed (retry in %v): %v", p.cfg.ErrorBackoff, err)
	case StatusEmpty:
		log.Printf("[POLL] WARN: %s", noDataMessage)
	default:
		if snap.Changed {
			log.Printf("[POLL] snapshot v%d: %d rows (%d rejected) in %v", snap.Version, len(snap.Observations), snap.Rejected, time.Since(start).Round(time.Millisecond))
		}
	}

	p.store.set(snap)
	for _, h := range p.handlers {
		h(ctx, snap)
	}
	return snap, err
}

func (p *Poller) poll(ctx context.Context) (*Snapshot, error) {
	p.version++
	snap := &Snapshot{Version: p.version, FetchedAt: time.Now()}

	fetchCtx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	rows, err := p.source.Fetch(fetchCtx)
	cancel()

	if err == nil && len(rows) == 0 {
		err = ErrNoData
	}
	if errors.Is(err, ErrNoData) {
		snap.Status = StatusEmpty
		snap.Observations = []Observation{}
		snap.Changed = p.lastHash != ""
		p.lastHash = ""
		return snap, nil
	}
	if err != nil {
		return p.failed(snap, err), err
	}

	res := ParseRows(rows, TimeParser{Location: p.cfg.Location, Order: p.cfg.DateOrder})
	if len(res.Observations) == 0 && res.Rejected > 0 {
		err = fmt.Errorf("all %d rows rejected: %s", res.Rejected, res.FirstReject)
		return p.failed(snap, err), err
	}

	snap.Status = StatusOK
	snap.Observations = res.Observations
	snap.Rejected = res.Rejected
	snap.FirstReject = res.FirstReject
	snap.Hash = hashRows(rows)
	snap.Changed = snap.Hash != p.lastHash
	p.lastHash = snap.Hash
	return snap, nil
}

// failed keeps the last good rows visible while reporting the error.
func (p *Poller) failed(snap *Snapshot, err error) *Snapshot {
	snap.Status = StatusError
	snap.Err = err.Error()
	snap.Observations = []Observation{}
	if prev := p.store.Latest(); prev != nil {
		snap.Observations = prev.Observations
		snap.Rejected = prev.Rejected
		snap.Hash = prev.Hash
	}
	return snap
}

// hashRows generates a content hash used to skip re-publishing unchanged data
func hashRows(rows [][]string) string {
	h := sha256.New()
	for _, row := range rows {
		h.Write([]byte(strings.Join(row, "\x1f")))
		h.Write([]byte{'\x1e'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
