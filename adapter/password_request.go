package adapter

import (
	"context"
	"sync"

	"github.com/ruteri/e2ee-key-custody/interfaces"
)

// PasswordRequest describes why a password is needed.
type PasswordRequest struct {
	AccountID interfaces.AccountID
	// Confirm is set when the password is being chosen for a new recovery key.
	Confirm bool
}

// PasswordRequester is implemented by the UI layer. It must eventually call
// exactly one of Supply or Cancel on the resolver; later calls are ignored.
type PasswordRequester func(req PasswordRequest, resolver *PasswordResolver)

// PasswordResolver completes one pending password request.
type PasswordResolver struct {
	once   sync.Once
	result chan passwordResult
}

type passwordResult struct {
	password  []byte
	cancelled bool
}

func newPasswordResolver() *PasswordResolver {
	return &PasswordResolver{result: make(chan passwordResult, 1)}
}

// Supply resolves the request with a password.
func (r *PasswordResolver) Supply(password string) {
	r.once.Do(func() {
		r.result <- passwordResult{password: []byte(password)}
	})
}

// Cancel resolves the request as cancelled by the user.
func (r *PasswordResolver) Cancel() {
	r.once.Do(func() {
		r.result <- passwordResult{cancelled: true}
	})
}

// askPassword suspends until the requester resolves or ctx is done.
func askPassword(ctx context.Context, requester PasswordRequester, req PasswordRequest) ([]byte, error) {
	if requester == nil {
		return nil, interfaces.ErrUserRejected
	}

	resolver := newPasswordResolver()
	go requester(req, resolver)

	select {
	case res := <-resolver.result:
		if res.cancelled {
			return nil, interfaces.ErrUserRejected
		}
		return res.password, nil
	case <-ctx.Done():
		resolver.Cancel()
		return nil, ctx.Err()
	}
}
