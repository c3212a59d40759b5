package interfaces

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		class     ErrorClass
		retryable bool
	}{
		{"nil", nil, ClassUnknown, false},
		{"user rejected", fmt.Errorf("wallet decrypt: %w", ErrUserRejected), ClassUserInteraction, true},
		{"context canceled", context.Canceled, ClassUserInteraction, true},
		{"wrong password", ErrWrongPassword, ClassCredential, false},
		{"account mismatch", fmt.Errorf("unseal: %w", ErrAccountMismatch), ClassCredential, false},
		{"invalid key", ErrInvalidRecoveryKey, ClassValidation, false},
		{"network", fmt.Errorf("get security key: %w", ErrNetwork), ClassTransport, true},
		{"backend unavailable", ErrBackendUnavailable, ClassTransport, true},
		{"other", errors.New("boom"), ClassUnknown, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			class := Classify(tt.err)
			assert.Equal(t, tt.class, class)
			assert.Equal(t, tt.retryable, class.Retryable())
		})
	}
}

func TestNewStorageBackendLocation(t *testing.T) {
	loc, err := NewStorageBackendLocation("s3://bucket/prefix?region=eu-west-1")
	assert.NoError(t, err)
	assert.Equal(t, "s3", loc.Scheme)
	assert.Equal(t, "bucket", loc.Host)
	assert.Equal(t, "eu-west-1", loc.GetParam("region"))

	_, err = NewStorageBackendLocation("ipfs://node:5001")
	assert.ErrorIs(t, err, ErrInvalidLocationURI)
}

func TestParseCredentialKind(t *testing.T) {
	kind, err := ParseCredentialKind("Password")
	assert.NoError(t, err)
	assert.Equal(t, CredentialPassword, kind)
	assert.Equal(t, "wallet", CredentialWallet.String())

	_, err = ParseCredentialKind("biometric")
	assert.Error(t, err)
}
