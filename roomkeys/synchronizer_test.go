package roomkeys

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ruteri/e2ee-key-custody/api/escrowhandler"
	"github.com/ruteri/e2ee-key-custody/engine"
	"github.com/ruteri/e2ee-key-custody/interfaces"
	"github.com/ruteri/e2ee-key-custody/sessioncache"
	"github.com/ruteri/e2ee-key-custody/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

const account = interfaces.AccountID("@alice:example.org")

// recordingEscrow records room key calls against a real escrow store.
type recordingEscrow struct {
	interfaces.EscrowAPI

	mu      sync.Mutex
	uploads [][]interfaces.SessionKeyRecord
	lists   int
	fail    error
	block   chan struct{}
	entered chan struct{}
}

func (e *recordingEscrow) SaveRoomKeys(ctx context.Context, since time.Time, sessions []interfaces.SessionKeyRecord) ([]interfaces.SessionKeyRecord, time.Time, error) {
	e.mu.Lock()
	e.uploads = append(e.uploads, sessions)
	fail, block, entered := e.fail, e.block, e.entered
	e.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if block != nil {
		<-block
	}
	if fail != nil {
		return nil, time.Time{}, fail
	}
	return e.EscrowAPI.SaveRoomKeys(ctx, since, sessions)
}

func (e *recordingEscrow) ListRoomKeys(ctx context.Context) ([]interfaces.SessionKeyRecord, error) {
	e.mu.Lock()
	e.lists++
	e.mu.Unlock()
	return e.EscrowAPI.ListRoomKeys(ctx)
}

func (e *recordingEscrow) uploadCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.uploads)
}

func (e *recordingEscrow) upload(i int) []interfaces.SessionKeyRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.uploads[i]
}

func (e *recordingEscrow) setFail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fail = err
}

type fixture struct {
	store  *escrowhandler.Store
	escrow *recordingEscrow
	engine *engine.MemoryEngine
	seen   *sessioncache.Cache
	clock  *clock.Mock
	sync   *Synchronizer
}

func newFixture(t *testing.T, store *escrowhandler.Store) *fixture {
	t.Helper()
	if store == nil {
		store = escrowhandler.NewStore(storage.NewMemoryBackend("escrow"), nil, nil, testLogger)
	}
	f := &fixture{
		store:  store,
		escrow: &recordingEscrow{EscrowAPI: store.ForAccount(account)},
		engine: engine.NewMemoryEngine(account, storage.NewMemoryBackend("accountdata"), testLogger),
		seen:   sessioncache.New(),
		clock:  clock.NewMock(),
	}
	f.sync = NewSynchronizer(f.engine, f.escrow, f.seen, Config{Window: time.Second, Clock: f.clock}, testLogger)
	t.Cleanup(f.sync.Stop)
	return f
}

func (f *fixture) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return f.sync.State() == Idle }, time.Second, time.Millisecond)
}

func (f *fixture) waitScheduled(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return f.sync.State() == Scheduled }, time.Second, time.Millisecond)
}

func TestBurstOfSignalsCoalesced(t *testing.T) {
	f := newFixture(t, nil)
	f.sync.Start()

	for i := 0; i < 50; i++ {
		_, err := f.engine.EstablishSession(fmt.Sprintf("!room%d:example.org", i%5))
		require.NoError(t, err)
		f.clock.Add(4 * time.Millisecond)
	}
	assert.Equal(t, Scheduled, f.sync.State())
	assert.Equal(t, 0, f.escrow.uploadCount())

	f.clock.Add(time.Second)
	require.Eventually(t, func() bool { return f.escrow.uploadCount() == 1 }, time.Second, time.Millisecond)
	f.waitIdle(t)

	assert.Len(t, f.escrow.upload(0), 50)
	assert.Equal(t, 50, f.seen.Len())

	f.clock.Add(10 * time.Second)
	assert.Equal(t, 1, f.escrow.uploadCount())

	stats := f.sync.Stats()
	assert.Equal(t, uint64(1), stats.Runs)
	assert.Equal(t, uint64(50), stats.Uploaded)
}

func TestRecheckWithNothingNewMakesNoCall(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	require.NoError(t, f.sync.Recheck(ctx))
	assert.Equal(t, 0, f.escrow.uploadCount())

	_, err := f.engine.EstablishSession("!r")
	require.NoError(t, err)
	require.NoError(t, f.sync.Recheck(ctx))
	require.Equal(t, 1, f.escrow.uploadCount())

	require.NoError(t, f.sync.Recheck(ctx))
	assert.Equal(t, 1, f.escrow.uploadCount())
}

func TestFailedUploadIsRetried(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil)

	rec, err := f.engine.EstablishSession("!r")
	require.NoError(t, err)

	f.escrow.setFail(errors.New("backend down"))
	require.Error(t, f.sync.Recheck(ctx))
	assert.False(t, f.seen.Has(rec.SessionID))
	assert.Equal(t, uint64(1), f.sync.Stats().Failures)

	f.escrow.setFail(nil)
	require.NoError(t, f.sync.Recheck(ctx))
	assert.True(t, f.seen.Has(rec.SessionID))
	require.Equal(t, 2, f.escrow.uploadCount())
	assert.Equal(t, []interfaces.SessionKeyRecord{rec}, f.escrow.upload(1))
}

func TestPeerKeysImported(t *testing.T) {
	ctx := context.Background()
	a := newFixture(t, nil)
	b := newFixture(t, a.store)

	recA, err := a.engine.EstablishSession("!r")
	require.NoError(t, err)
	require.NoError(t, a.sync.Recheck(ctx))

	recB, err := b.engine.EstablishSession("!r")
	require.NoError(t, err)
	require.NoError(t, b.sync.Recheck(ctx))

	assert.True(t, b.engine.HasSession(recA.SessionID))
	assert.True(t, b.seen.Has(recA.SessionID))
	assert.Equal(t, uint64(1), b.sync.Stats().Imported)

	// A learns about B's key when an inbound event references it.
	a.sync.Start()
	a.clock.Add(2 * time.Second)
	a.waitIdle(t)
	uploadsBefore := a.escrow.uploadCount()

	assert.False(t, a.engine.ReceiveEvent("!r", recB.SessionID))
	a.waitScheduled(t)
	a.clock.Add(time.Second)
	require.Eventually(t, func() bool { return a.engine.HasSession(recB.SessionID) }, time.Second, time.Millisecond)
	a.waitIdle(t)
	assert.Equal(t, uploadsBefore+1, a.escrow.uploadCount())
	assert.Empty(t, a.escrow.upload(uploadsBefore), "nothing new to upload")
}

// flakyImportEngine fails the next failImports imports.
type flakyImportEngine struct {
	*engine.MemoryEngine

	mu          sync.Mutex
	failImports int
}

func (e *flakyImportEngine) ImportSessionKeys(ctx context.Context, records []interfaces.SessionKeyRecord) error {
	e.mu.Lock()
	fail := e.failImports > 0
	if fail {
		e.failImports--
	}
	e.mu.Unlock()
	if fail {
		return errors.New("engine busy")
	}
	return e.MemoryEngine.ImportSessionKeys(ctx, records)
}

func TestFailedImportIsRetried(t *testing.T) {
	ctx := context.Background()
	a := newFixture(t, nil)
	b := newFixture(t, a.store)

	flaky := &flakyImportEngine{MemoryEngine: b.engine, failImports: 1}
	b.sync = NewSynchronizer(flaky, b.escrow, b.seen, Config{Window: time.Second, Clock: b.clock}, testLogger)
	t.Cleanup(b.sync.Stop)

	recA, err := a.engine.EstablishSession("!r")
	require.NoError(t, err)
	require.NoError(t, a.sync.Recheck(ctx))

	recB, err := b.engine.EstablishSession("!r")
	require.NoError(t, err)
	require.Error(t, b.sync.Recheck(ctx))
	assert.True(t, b.seen.Has(recB.SessionID), "upload was confirmed")
	assert.False(t, b.seen.Has(recA.SessionID))
	assert.False(t, b.engine.HasSession(recA.SessionID))

	// Nothing new locally, yet the next Recheck fetches the peer key again.
	require.NoError(t, b.sync.Recheck(ctx))
	assert.True(t, b.engine.HasSession(recA.SessionID))
	assert.True(t, b.seen.Has(recA.SessionID))
	assert.Equal(t, 2, b.escrow.uploadCount())
	assert.Empty(t, b.escrow.upload(1))

	// Once imported, a further Recheck is a no-op again.
	require.NoError(t, b.sync.Recheck(ctx))
	assert.Equal(t, 2, b.escrow.uploadCount())
}

func TestFailedImportKeepsWantedSessions(t *testing.T) {
	ctx := context.Background()
	a := newFixture(t, nil)
	b := newFixture(t, a.store)

	flaky := &flakyImportEngine{MemoryEngine: b.engine, failImports: 1}
	b.sync = NewSynchronizer(flaky, b.escrow, b.seen, Config{Window: time.Second, Clock: b.clock}, testLogger)
	t.Cleanup(b.sync.Stop)
	b.sync.Start()
	b.clock.Add(2 * time.Second)
	b.waitIdle(t)

	recA, err := a.engine.EstablishSession("!r")
	require.NoError(t, err)
	require.NoError(t, a.sync.Recheck(ctx))

	assert.False(t, b.engine.ReceiveEvent("!r", recA.SessionID))
	require.Error(t, b.sync.Recheck(ctx))

	b.sync.mu.Lock()
	_, stillWanted := b.sync.wanted[recA.SessionID]
	b.sync.mu.Unlock()
	assert.True(t, stillWanted)

	require.NoError(t, b.sync.Recheck(ctx))
	assert.True(t, b.engine.HasSession(recA.SessionID))
}

func TestInboundEventForSeenSessionIgnored(t *testing.T) {
	f := newFixture(t, nil)
	f.seen.MarkSeen("known")
	f.sync.Start()
	f.clock.Add(2 * time.Second)
	f.waitIdle(t)
	runs := f.sync.Stats().Runs

	f.engine.ReceiveEvent("!r", "known")
	assert.Equal(t, Idle, f.sync.State())
	f.clock.Add(2 * time.Second)
	assert.Equal(t, runs, f.sync.Stats().Runs)
	assert.Equal(t, 0, f.escrow.uploadCount())
}

func TestSignalDuringRunRearmsAfterCompletion(t *testing.T) {
	f := newFixture(t, nil)
	block := make(chan struct{})
	entered := make(chan struct{}, 1)
	f.escrow.mu.Lock()
	f.escrow.block = block
	f.escrow.entered = entered
	f.escrow.mu.Unlock()

	f.sync.Start()
	_, err := f.engine.EstablishSession("!r")
	require.NoError(t, err)
	f.clock.Add(time.Second)
	<-entered
	assert.Equal(t, Running, f.sync.State())

	second, err := f.engine.EstablishSession("!r")
	require.NoError(t, err)
	f.clock.Add(5 * time.Second)
	assert.Equal(t, 1, f.escrow.uploadCount(), "no timer armed while running")

	f.escrow.mu.Lock()
	f.escrow.block = nil
	f.escrow.entered = nil
	f.escrow.mu.Unlock()
	close(block)

	f.waitScheduled(t)
	f.clock.Add(time.Second)
	require.Eventually(t, func() bool { return f.escrow.uploadCount() == 2 }, time.Second, time.Millisecond)
	f.waitIdle(t)
	assert.Equal(t, []interfaces.SessionKeyRecord{second}, f.escrow.upload(1))
}

func TestBootstrapImportsEverything(t *testing.T) {
	ctx := context.Background()
	a := newFixture(t, nil)
	for i := 0; i < 3; i++ {
		_, err := a.engine.EstablishSession("!r")
		require.NoError(t, err)
	}
	require.NoError(t, a.sync.Recheck(ctx))

	b := newFixture(t, a.store)
	require.NoError(t, b.sync.Bootstrap(ctx))
	assert.Equal(t, 3, b.seen.Len())

	exported, err := b.engine.ExportSessionKeys(ctx)
	require.NoError(t, err)
	assert.Len(t, exported, 3)

	// Imported keys are not uploaded back.
	require.NoError(t, b.sync.Recheck(ctx))
	assert.Equal(t, 0, b.escrow.uploadCount())
}

func TestStopPreventsRuns(t *testing.T) {
	f := newFixture(t, nil)
	f.sync.Start()
	_, err := f.engine.EstablishSession("!r")
	require.NoError(t, err)

	f.sync.Stop()
	f.clock.Add(5 * time.Second)
	_, err = f.engine.EstablishSession("!r")
	require.NoError(t, err)
	f.clock.Add(5 * time.Second)

	assert.Equal(t, 0, f.escrow.uploadCount())
	assert.Equal(t, Idle, f.sync.State())
}
