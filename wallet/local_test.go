package wallet

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ruteri/e2ee-key-custody/cryptoutils"
	"github.com/ruteri/e2ee-key-custody/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestLocalWalletEncryptDecrypt(t *testing.T) {
	ctx := context.Background()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	w := NewLocalWallet(AutoApprove, testLogger, key)

	addr, err := w.ConnectedAddress(ctx)
	require.NoError(t, err)
	assert.Equal(t, Address(key), addr)

	pub, err := w.GetPublicKey(ctx, addr)
	require.NoError(t, err)

	env, err := cryptoutils.EncryptToPublicKey(pub, []byte("secret"))
	require.NoError(t, err)
	data, err := env.Marshal()
	require.NoError(t, err)

	pt, err := w.Decrypt(ctx, data, addr)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), pt)
}

func TestLocalWalletRejection(t *testing.T) {
	ctx := context.Background()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	var ops []Operation
	w := NewLocalWallet(func(_ context.Context, op Operation, _ common.Address) error {
		ops = append(ops, op)
		if op == OpDecrypt {
			return errors.New("user closed the popup")
		}
		return nil
	}, testLogger, key)

	addr, err := w.ConnectedAddress(ctx)
	require.NoError(t, err)
	_, err = w.ConnectedAddress(ctx)
	require.NoError(t, err)

	pub, err := w.GetPublicKey(ctx, addr)
	require.NoError(t, err)
	env, err := cryptoutils.EncryptToPublicKey(pub, []byte("secret"))
	require.NoError(t, err)
	data, err := env.Marshal()
	require.NoError(t, err)

	_, err = w.Decrypt(ctx, data, addr)
	require.ErrorIs(t, err, interfaces.ErrUserRejected)
	assert.Equal(t, []Operation{OpConnect, OpGetPublicKey, OpDecrypt}, ops)
}

func TestLocalWalletSelectAndRevoke(t *testing.T) {
	ctx := context.Background()
	first, err := crypto.GenerateKey()
	require.NoError(t, err)
	second, err := crypto.GenerateKey()
	require.NoError(t, err)

	connects := 0
	w := NewLocalWallet(func(_ context.Context, op Operation, _ common.Address) error {
		if op == OpConnect {
			connects++
		}
		return nil
	}, testLogger, first, second)

	addr, err := w.ConnectedAddress(ctx)
	require.NoError(t, err)
	assert.Equal(t, Address(first), addr)

	require.NoError(t, w.Select(Address(second)))
	addr, err = w.ConnectedAddress(ctx)
	require.NoError(t, err)
	assert.Equal(t, Address(second), addr)
	assert.Equal(t, 1, connects)

	require.NoError(t, w.RevokePermissions(ctx))
	_, err = w.ConnectedAddress(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, connects)

	require.ErrorIs(t, w.Select(common.HexToAddress("0x01")), ErrNotConnected)
	_, err = w.GetPublicKey(ctx, common.HexToAddress("0x01"))
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestLoadKeyHex(t *testing.T) {
	key, err := LoadKeyHex("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318")
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"), Address(key))

	_, err = LoadKeyHex("zz")
	require.Error(t, err)
}
