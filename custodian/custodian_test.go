package custodian

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/e2ee-key-custody/adapter"
	"github.com/ruteri/e2ee-key-custody/api/escrowhandler"
	"github.com/ruteri/e2ee-key-custody/cryptoutils"
	"github.com/ruteri/e2ee-key-custody/engine"
	"github.com/ruteri/e2ee-key-custody/interfaces"
	"github.com/ruteri/e2ee-key-custody/keycache"
	"github.com/ruteri/e2ee-key-custody/storage"
	"github.com/ruteri/e2ee-key-custody/wallet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// countingEscrow counts calls and can fail them on demand.
type countingEscrow struct {
	interfaces.EscrowAPI

	mu      sync.Mutex
	gets    int
	saves   int
	failGet error
}

func (e *countingEscrow) GetSecurityKey(ctx context.Context) (*interfaces.EscrowedSecurityKeyRecord, error) {
	e.mu.Lock()
	e.gets++
	err := e.failGet
	e.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return e.EscrowAPI.GetSecurityKey(ctx)
}

func (e *countingEscrow) SaveSecurityKey(ctx context.Context, ciphertext []byte, forceSave bool) error {
	e.mu.Lock()
	e.saves++
	e.mu.Unlock()
	return e.EscrowAPI.SaveSecurityKey(ctx, ciphertext, forceSave)
}

func (e *countingEscrow) saveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saves
}

type countingRoomKeys struct {
	calls atomic.Int32
}

func (r *countingRoomKeys) Bootstrap(ctx context.Context) error {
	r.calls.Add(1)
	return nil
}

// backend is the state shared by all devices of an account.
type backend struct {
	escrow      *escrowhandler.Store
	accountData interfaces.BlobStore
}

func newBackend() *backend {
	return &backend{
		escrow:      escrowhandler.NewStore(storage.NewMemoryBackend("escrow"), nil, nil, testLogger),
		accountData: storage.NewMemoryBackend("accountdata"),
	}
}

// device is one client installation.
type device struct {
	custodian *Custodian
	escrow    *countingEscrow
	engine    *engine.MemoryEngine
	cache     *keycache.Cache
	roomKeys  *countingRoomKeys
}

func newDevice(t *testing.T, b *backend, account interfaces.Account, adapters adapter.Set, cacheStore interfaces.BlobStore) *device {
	t.Helper()
	if cacheStore == nil {
		cacheStore = storage.NewMemoryBackend("device")
	}
	d := &device{
		escrow:   &countingEscrow{EscrowAPI: b.escrow.ForAccount(account.ID)},
		engine:   engine.NewMemoryEngine(account.ID, b.accountData, testLogger),
		cache:    keycache.New(cacheStore, testLogger),
		roomKeys: &countingRoomKeys{},
	}
	c, err := New(Config{
		Account:  account,
		Adapters: adapters,
		Cache:    d.cache,
		Escrow:   d.escrow,
		Engine:   d.engine,
		RoomKeys: d.roomKeys,
		Log:      testLogger,
	})
	require.NoError(t, err)
	d.custodian = c
	return d
}

type approvals struct {
	n atomic.Int32
}

func (a *approvals) approve(context.Context, wallet.Operation, common.Address) error {
	a.n.Add(1)
	return nil
}

func walletSetup(t *testing.T) (interfaces.Account, *wallet.LocalWallet, *approvals) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)

	a := &approvals{}
	w := wallet.NewLocalWallet(a.approve, testLogger, key, other)
	account := interfaces.Account{
		ID:            "@alice:example.org",
		Credential:    interfaces.CredentialWallet,
		WalletAddress: wallet.Address(key),
	}
	return account, w, a
}

func TestScenarioFreshAccount(t *testing.T) {
	ctx := context.Background()
	b := newBackend()
	account, w, approved := walletSetup(t)
	adapters := adapter.NewSet(adapter.NewWalletAdapter(w, testLogger))
	cacheStore := storage.NewMemoryBackend("device")

	d := newDevice(t, b, account, adapters, cacheStore)
	require.NoError(t, d.custodian.Bootstrap(ctx))
	assert.True(t, d.custodian.Ready())
	assert.True(t, d.engine.CrossSigningReady())

	record, err := b.escrow.GetSecurityKey(ctx, account.ID)
	require.NoError(t, err)
	require.NotNil(t, record)

	key, ok := d.custodian.Key()
	require.True(t, ok)
	cached, ok, err := d.cache.Get(ctx, account.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, key.PrivateKey, cached.PrivateKey)
	assert.Equal(t, int32(0), d.roomKeys.calls.Load())

	before := approved.n.Load()

	// Second login in the same process resolves from the cache.
	again := newDevice(t, b, account, adapters, cacheStore)
	require.NoError(t, again.custodian.Bootstrap(ctx))
	assert.Equal(t, before, approved.n.Load(), "no wallet interaction")
	assert.Equal(t, 0, again.escrow.saveCount())
	assert.Equal(t, int32(1), again.roomKeys.calls.Load())

	got, ok := again.custodian.Key()
	require.True(t, ok)
	assert.Equal(t, key.PrivateKey, got.PrivateKey)
}

func TestScenarioReturningWalletDevice(t *testing.T) {
	ctx := context.Background()
	b := newBackend()
	account, w, _ := walletSetup(t)
	adapters := adapter.NewSet(adapter.NewWalletAdapter(w, testLogger))

	first := newDevice(t, b, account, adapters, nil)
	require.NoError(t, first.custodian.Bootstrap(ctx))
	want, _ := first.custodian.Key()

	second := newDevice(t, b, account, adapters, nil)
	require.NoError(t, second.custodian.Bootstrap(ctx))
	got, ok := second.custodian.Key()
	require.True(t, ok)
	assert.Equal(t, want.PrivateKey, got.PrivateKey)
	assert.True(t, second.engine.SecretStorageUnlocked())

	_, ok, err := second.cache.Get(ctx, account.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int32(1), second.roomKeys.calls.Load())
	assert.Equal(t, 0, second.escrow.saveCount())
}

func TestScenarioWalletMismatch(t *testing.T) {
	ctx := context.Background()
	b := newBackend()
	account, w, _ := walletSetup(t)
	adapters := adapter.NewSet(adapter.NewWalletAdapter(w, testLogger))

	first := newDevice(t, b, account, adapters, nil)
	require.NoError(t, first.custodian.Bootstrap(ctx))

	otherKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	otherWallet := wallet.NewLocalWallet(wallet.AutoApprove, testLogger, otherKey)

	second := newDevice(t, b, account, adapter.NewSet(adapter.NewWalletAdapter(otherWallet, testLogger)), nil)
	err = second.custodian.Bootstrap(ctx)
	require.ErrorIs(t, err, interfaces.ErrAccountMismatch)
	assert.Equal(t, AccountMismatch, OutcomeOf(err))
	assert.False(t, second.custodian.Ready())

	_, ok, err := second.cache.Get(ctx, account.ID)
	require.NoError(t, err)
	assert.False(t, ok, "no cache write on mismatch")
}

func passwordAccount() interfaces.Account {
	return interfaces.Account{ID: "@bob:example.org", Credential: interfaces.CredentialPassword}
}

func passwordAdapters(passwords func() string, prompts *atomic.Int32) adapter.Set {
	return adapter.NewSet(adapter.NewPasswordAdapter(func(_ adapter.PasswordRequest, r *adapter.PasswordResolver) {
		prompts.Add(1)
		r.Supply(passwords())
	}, testLogger))
}

func TestScenarioRepeatedWrongPassword(t *testing.T) {
	ctx := context.Background()
	b := newBackend()
	account := passwordAccount()

	var prompts atomic.Int32
	first := newDevice(t, b, account, passwordAdapters(func() string { return "right" }, &prompts), nil)
	require.NoError(t, first.custodian.Bootstrap(ctx))

	original, err := b.escrow.GetSecurityKey(ctx, account.ID)
	require.NoError(t, err)

	prompts.Store(0)
	second := newDevice(t, b, account, passwordAdapters(func() string { return "wrong" }, &prompts), nil)
	for i := 0; i < 3; i++ {
		err := second.custodian.Bootstrap(ctx)
		require.ErrorIs(t, err, interfaces.ErrWrongPassword)
		assert.Equal(t, interfaces.ClassCredential, interfaces.Classify(err))
		assert.Equal(t, WrongPassword, OutcomeOf(err))
	}
	assert.Equal(t, int32(3), prompts.Load(), "each attempt prompts again")

	_, ok, err := second.cache.Get(ctx, account.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	after, err := b.escrow.GetSecurityKey(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, original, after)
	assert.Equal(t, 0, second.escrow.saveCount())
}

func TestPasswordRecovery(t *testing.T) {
	ctx := context.Background()
	b := newBackend()
	account := passwordAccount()

	var prompts atomic.Int32
	first := newDevice(t, b, account, passwordAdapters(func() string { return "hunter2" }, &prompts), nil)
	require.NoError(t, first.custodian.Bootstrap(ctx))
	want, _ := first.custodian.Key()

	second := newDevice(t, b, account, passwordAdapters(func() string { return "hunter2" }, &prompts), nil)
	require.NoError(t, second.custodian.Bootstrap(ctx))
	got, _ := second.custodian.Key()
	assert.Equal(t, want.PrivateKey, got.PrivateKey)
}

func TestInvalidRecoveryKey(t *testing.T) {
	ctx := context.Background()
	b := newBackend()
	account, w, _ := walletSetup(t)
	adapters := adapter.NewSet(adapter.NewWalletAdapter(w, testLogger))

	first := newDevice(t, b, account, adapters, nil)
	require.NoError(t, first.custodian.Bootstrap(ctx))

	// Secret storage is re-keyed behind the escrow's back.
	foreign, err := cryptoutils.GenerateRecoveryKey()
	require.NoError(t, err)
	require.NoError(t, first.engine.BootstrapSecretStorage(ctx, foreign))

	cacheStore := storage.NewMemoryBackend("stale")
	stale := keycache.New(cacheStore, testLogger)
	staleKey, err := cryptoutils.GenerateRecoveryKey()
	require.NoError(t, err)
	require.NoError(t, stale.Put(ctx, account.ID, staleKey))

	second := newDevice(t, b, account, adapters, cacheStore)
	err = second.custodian.Bootstrap(ctx)
	require.ErrorIs(t, err, interfaces.ErrInvalidRecoveryKey)
	assert.Equal(t, InvalidRecoveryKey, OutcomeOf(err))
	assert.Equal(t, interfaces.ClassValidation, interfaces.Classify(err))

	_, ok, err := second.cache.Get(ctx, account.ID)
	require.NoError(t, err)
	assert.False(t, ok, "cache entry discarded")
}

func TestStaleCacheFallsBackToAdapter(t *testing.T) {
	ctx := context.Background()
	b := newBackend()
	account, w, approved := walletSetup(t)
	adapters := adapter.NewSet(adapter.NewWalletAdapter(w, testLogger))

	first := newDevice(t, b, account, adapters, nil)
	require.NoError(t, first.custodian.Bootstrap(ctx))
	want, _ := first.custodian.Key()

	cacheStore := storage.NewMemoryBackend("stale")
	staleKey, err := cryptoutils.GenerateRecoveryKey()
	require.NoError(t, err)
	require.NoError(t, keycache.New(cacheStore, testLogger).Put(ctx, account.ID, staleKey))

	before := approved.n.Load()
	second := newDevice(t, b, account, adapters, cacheStore)
	require.NoError(t, second.custodian.Bootstrap(ctx))
	assert.Greater(t, approved.n.Load(), before, "wallet consulted")

	cached, ok, err := second.cache.Get(ctx, account.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, want.PrivateKey, cached.PrivateKey)
}

func TestCancelledPasswordPromptCommitsNothing(t *testing.T) {
	b := newBackend()
	account := passwordAccount()

	prompted := make(chan struct{})
	adapters := adapter.NewSet(adapter.NewPasswordAdapter(func(_ adapter.PasswordRequest, r *adapter.PasswordResolver) {
		close(prompted)
	}, testLogger))
	d := newDevice(t, b, account, adapters, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-prompted
		cancel()
	}()

	err := d.custodian.Bootstrap(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, UserRejected, OutcomeOf(err))

	bg := context.Background()
	record, err := b.escrow.GetSecurityKey(bg, account.ID)
	require.NoError(t, err)
	assert.Nil(t, record)

	_, ok, err := d.cache.Get(bg, account.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = d.engine.CheckSecretStorageKey(bg, interfaces.RecoveryKey{})
	require.ErrorIs(t, err, engine.ErrSecretStorageMissing)
}

func TestUserCancelsPrompt(t *testing.T) {
	b := newBackend()
	adapters := adapter.NewSet(adapter.NewPasswordAdapter(func(_ adapter.PasswordRequest, r *adapter.PasswordResolver) {
		r.Cancel()
	}, testLogger))
	d := newDevice(t, b, passwordAccount(), adapters, nil)

	err := d.custodian.Bootstrap(context.Background())
	require.ErrorIs(t, err, interfaces.ErrUserRejected)
	assert.Equal(t, UserRejected, OutcomeOf(err))
	assert.Equal(t, 0, d.escrow.saveCount())
}

func TestNetworkError(t *testing.T) {
	b := newBackend()
	account, w, _ := walletSetup(t)
	d := newDevice(t, b, account, adapter.NewSet(adapter.NewWalletAdapter(w, testLogger)), nil)
	d.escrow.failGet = errors.New("connection refused")

	err := d.custodian.Bootstrap(context.Background())
	require.ErrorIs(t, err, interfaces.ErrNetwork)
	assert.Equal(t, NetworkError, OutcomeOf(err))
	assert.True(t, interfaces.Classify(err).Retryable())

	d.escrow.failGet = nil
	require.NoError(t, d.custodian.Bootstrap(context.Background()))
}

func TestConcurrentBootstrapCoalesced(t *testing.T) {
	b := newBackend()
	account := passwordAccount()

	var prompts atomic.Int32
	release := make(chan struct{})
	adapters := adapter.NewSet(adapter.NewPasswordAdapter(func(_ adapter.PasswordRequest, r *adapter.PasswordResolver) {
		prompts.Add(1)
		<-release
		r.Supply("pw")
	}, testLogger))
	d := newDevice(t, b, account, adapters, nil)

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = d.custodian.Bootstrap(context.Background())
		}(i)
	}

	require.Eventually(t, func() bool { return prompts.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), prompts.Load())
	assert.Equal(t, 1, d.escrow.saveCount(), "only one key created")
}

func TestJoinedCallerSurvivesStarterCancel(t *testing.T) {
	b := newBackend()
	account := passwordAccount()

	var prompts atomic.Int32
	prompted := make(chan struct{})
	release := make(chan struct{})
	adapters := adapter.NewSet(adapter.NewPasswordAdapter(func(_ adapter.PasswordRequest, r *adapter.PasswordResolver) {
		if prompts.Add(1) == 1 {
			close(prompted)
		}
		<-release
		r.Supply("pw")
	}, testLogger))
	d := newDevice(t, b, account, adapters, nil)

	starterCtx, cancel := context.WithCancel(context.Background())
	starterErr := make(chan error, 1)
	go func() { starterErr <- d.custodian.Bootstrap(starterCtx) }()
	<-prompted

	joinerErr := make(chan error, 1)
	go func() { joinerErr <- d.custodian.Bootstrap(context.Background()) }()

	// The joiner must be attached before the starter leaves.
	require.Eventually(t, func() bool {
		d.custodian.flightMu.Lock()
		defer d.custodian.flightMu.Unlock()
		return d.custodian.current != nil && d.custodian.current.waiters == 2
	}, time.Second, time.Millisecond)

	cancel()
	require.ErrorIs(t, <-starterErr, context.Canceled)

	close(release)
	require.NoError(t, <-joinerErr)
	assert.Equal(t, int32(1), prompts.Load())
	assert.Equal(t, 1, d.escrow.saveCount())
	assert.True(t, d.custodian.Ready())
}

func TestAbandonedRunIsCancelled(t *testing.T) {
	b := newBackend()
	account := passwordAccount()

	prompted := make(chan struct{})
	adapters := adapter.NewSet(adapter.NewPasswordAdapter(func(_ adapter.PasswordRequest, r *adapter.PasswordResolver) {
		close(prompted)
	}, testLogger))
	d := newDevice(t, b, account, adapters, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-prompted
		cancel()
	}()
	require.ErrorIs(t, d.custodian.Bootstrap(ctx), context.Canceled)

	// The prompt is never answered, so only cancellation can end the run.
	require.Eventually(t, func() bool {
		d.custodian.flightMu.Lock()
		defer d.custodian.flightMu.Unlock()
		return d.custodian.current == nil
	}, time.Second, time.Millisecond)
	assert.Equal(t, 0, d.escrow.saveCount())
	assert.False(t, d.custodian.Ready())
}

func TestNoAdapter(t *testing.T) {
	b := newBackend()
	d := newDevice(t, b, passwordAccount(), adapter.NewSet(), nil)

	err := d.custodian.Bootstrap(context.Background())
	require.ErrorIs(t, err, interfaces.ErrNoAdapter)
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestReset(t *testing.T) {
	b := newBackend()
	account, w, _ := walletSetup(t)
	d := newDevice(t, b, account, adapter.NewSet(adapter.NewWalletAdapter(w, testLogger)), nil)
	require.NoError(t, d.custodian.Bootstrap(context.Background()))

	d.custodian.Reset()
	assert.False(t, d.custodian.Ready())
	_, ok := d.custodian.Key()
	assert.False(t, ok)
}
