package custodian

import (
	"errors"

	"github.com/ruteri/e2ee-key-custody/interfaces"
)

// Outcome is the result of a Bootstrap as reported to the UI.
type Outcome int

const (
	Success Outcome = iota
	WrongPassword
	UserRejected
	AccountMismatch
	InvalidRecoveryKey
	NetworkError
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case WrongPassword:
		return "wrong_password"
	case UserRejected:
		return "user_rejected"
	case AccountMismatch:
		return "account_mismatch"
	case InvalidRecoveryKey:
		return "invalid_recovery_key"
	case NetworkError:
		return "network_error"
	default:
		return "unknown"
	}
}

// OutcomeOf maps a Bootstrap error to its Outcome. Errors outside the
// taxonomy report NetworkError: nothing was committed and a retry is safe.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return Success
	case errors.Is(err, interfaces.ErrWrongPassword):
		return WrongPassword
	case errors.Is(err, interfaces.ErrAccountMismatch):
		return AccountMismatch
	case errors.Is(err, interfaces.ErrInvalidRecoveryKey):
		return InvalidRecoveryKey
	case interfaces.Classify(err) == interfaces.ClassUserInteraction:
		return UserRejected
	default:
		return NetworkError
	}
}
