// Package roomkeys backs up and restores session keys across devices.
//
// The Synchronizer listens to engine session events, coalesces bursts into a
// single reconciliation run, uploads session keys not yet confirmed in this
// process, and imports keys uploaded by the account's other devices.
package roomkeys

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/e2ee-key-custody/interfaces"
	"github.com/ruteri/e2ee-key-custody/sessioncache"
	"go.uber.org/atomic"
)

// DefaultWindow is the coalescing window for session signals.
const DefaultWindow = time.Second

// State is the debounce state.
type State int

const (
	Idle State = iota
	Scheduled
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Scheduled:
		return "scheduled"
	case Running:
		return "running"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config tunes a Synchronizer. Zero values select the defaults.
type Config struct {
	Window time.Duration
	Clock  clock.Clock
}

// Stats is a snapshot of synchronizer counters.
type Stats struct {
	State    State  `json:"state"`
	Runs     uint64 `json:"runs"`
	Uploaded uint64 `json:"uploaded"`
	Imported uint64 `json:"imported"`
	Failures uint64 `json:"failures"`
}

// Synchronizer is the Room Key Synchronizer.
type Synchronizer struct {
	engine interfaces.MessagingEngine
	escrow interfaces.EscrowAPI
	seen   *sessioncache.Cache
	clock  clock.Clock
	window time.Duration
	log    *slog.Logger

	mu          sync.Mutex
	state       State
	timer       *clock.Timer
	generation  uint64
	pending     bool
	stopped     bool
	wanted      map[string]struct{}
	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc

	// runMu serializes reconciliation runs, timer-driven or explicit.
	runMu sync.Mutex
	since time.Time
	// retryImport forces a backend call after a failed import so the
	// records returned since `since` are fetched again.
	retryImport bool

	runs     atomic.Uint64
	uploaded atomic.Uint64
	imported atomic.Uint64
	failures atomic.Uint64
}

// NewSynchronizer creates an idle synchronizer. It does not listen to the
// engine until Start is called.
func NewSynchronizer(engine interfaces.MessagingEngine, escrow interfaces.EscrowAPI, seen *sessioncache.Cache, cfg Config, log *slog.Logger) *Synchronizer {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Synchronizer{
		engine: engine,
		escrow: escrow,
		seen:   seen,
		clock:  cfg.Clock,
		window: cfg.Window,
		log:    log,
		wanted: make(map[string]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Bootstrap imports every key the account's devices uploaded so far. It runs
// once before Start on a recovered account.
func (s *Synchronizer) Bootstrap(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	records, err := s.escrow.ListRoomKeys(ctx)
	if err != nil {
		s.failures.Inc()
		return fmt.Errorf("failed to list room keys: %w", err)
	}

	n, err := s.importUnseen(ctx, records)
	if err != nil {
		s.failures.Inc()
		return err
	}

	s.log.Info("Room keys bootstrapped", "listed", len(records), "imported", n)
	return nil
}

// Start subscribes to engine events and schedules a first run so that keys
// created before login are uploaded.
func (s *Synchronizer) Start() {
	s.mu.Lock()
	if s.stopped || s.unsubscribe != nil {
		s.mu.Unlock()
		return
	}
	s.unsubscribe = s.engine.SubscribeSessionEvents(s.handleEvent)
	s.mu.Unlock()

	s.Signal()
}

// Stop cancels any scheduled or running cycle and unsubscribes from the engine.
// A stopped synchronizer cannot be restarted.
func (s *Synchronizer) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.state == Scheduled {
		s.state = Idle
	}
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	s.cancel()
}

// Signal reports that the engine's session set may have changed. Signals
// within the window are coalesced into one run; a signal during a run
// schedules another run once it completes.
func (s *Synchronizer) Signal() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if s.state == Running {
		s.pending = true
		return
	}
	s.armLocked()
}

func (s *Synchronizer) armLocked() {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.generation++
	gen := s.generation
	s.timer = s.clock.AfterFunc(s.window, func() { s.fire(gen) })
	s.state = Scheduled
}

func (s *Synchronizer) fire(gen uint64) {
	s.mu.Lock()
	if s.stopped || s.state != Scheduled || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.state = Running
	s.timer = nil
	s.pending = false
	ctx := s.ctx
	s.mu.Unlock()

	if err := s.Recheck(ctx); err != nil {
		s.log.Warn("Room key sync failed", "err", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Idle
	if s.pending && !s.stopped {
		s.pending = false
		s.armLocked()
	}
}

func (s *Synchronizer) handleEvent(ev interfaces.SessionEvent) {
	switch ev.Kind {
	case interfaces.InboundUnknownSession:
		if s.seen.Has(ev.SessionID) {
			return
		}
		s.mu.Lock()
		s.wanted[ev.SessionID] = struct{}{}
		s.mu.Unlock()
		s.log.Debug("Inbound event for unknown session", "room", ev.RoomID, "session", ev.SessionID)
	case interfaces.SessionEstablished:
		s.log.Debug("Session established", "room", ev.RoomID, "session", ev.SessionID)
	}
	s.Signal()
}

// Recheck runs one reconciliation cycle: upload unseen local keys and import
// peer keys returned by the backend. With nothing to upload and no unknown
// inbound session pending it makes no network call.
// Ids are marked seen only after the backend or engine confirmed them.
func (s *Synchronizer) Recheck(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.runs.Inc()

	records, err := s.engine.ExportSessionKeys(ctx)
	if err != nil {
		s.failures.Inc()
		return fmt.Errorf("failed to export session keys: %w", err)
	}

	fresh := make([]interfaces.SessionKeyRecord, 0)
	for _, r := range records {
		if !s.seen.Has(r.SessionID) {
			fresh = append(fresh, r)
		}
	}

	s.mu.Lock()
	wanted := s.wanted
	s.wanted = make(map[string]struct{})
	s.mu.Unlock()

	if len(fresh) == 0 && len(wanted) == 0 && !s.retryImport {
		return nil
	}

	imported, serverTime, err := s.escrow.SaveRoomKeys(ctx, s.since, fresh)
	if err != nil {
		s.failures.Inc()
		s.restoreWanted(wanted)
		return fmt.Errorf("failed to upload %d room keys: %w", len(fresh), err)
	}

	for _, r := range fresh {
		s.seen.MarkSeen(r.SessionID)
	}
	s.uploaded.Add(uint64(len(fresh)))

	// since only advances once the returned records are imported.
	n, err := s.importUnseen(ctx, imported)
	if err != nil {
		s.failures.Inc()
		s.restoreWanted(wanted)
		s.retryImport = true
		return err
	}
	s.since = serverTime
	s.retryImport = false

	s.log.Info("Room keys synchronized", "uploaded", len(fresh), "imported", n)
	return nil
}

func (s *Synchronizer) restoreWanted(wanted map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id := range wanted {
		s.wanted[id] = struct{}{}
	}
}

func (s *Synchronizer) importUnseen(ctx context.Context, records []interfaces.SessionKeyRecord) (int, error) {
	unseen := make([]interfaces.SessionKeyRecord, 0, len(records))
	for _, r := range records {
		if !s.seen.Has(r.SessionID) {
			unseen = append(unseen, r)
		}
	}
	if len(unseen) == 0 {
		return 0, nil
	}

	if err := s.engine.ImportSessionKeys(ctx, unseen); err != nil {
		return 0, fmt.Errorf("failed to import %d room keys: %w", len(unseen), err)
	}

	for _, r := range unseen {
		s.seen.MarkSeen(r.SessionID)
	}
	s.imported.Add(uint64(len(unseen)))
	return len(unseen), nil
}

// State returns the current debounce state.
func (s *Synchronizer) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Stats returns a snapshot of the counters.
func (s *Synchronizer) Stats() Stats {
	return Stats{
		State:    s.State(),
		Runs:     s.runs.Load(),
		Uploaded: s.uploaded.Load(),
		Imported: s.imported.Load(),
		Failures: s.failures.Load(),
	}
}
