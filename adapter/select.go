package adapter

import (
	"fmt"

	"github.com/ruteri/e2ee-key-custody/interfaces"
)

// Set holds one adapter per credential kind.
type Set map[interfaces.CredentialKind]interfaces.SealingAdapter

// NewSet indexes adapters by the kind they report.
func NewSet(adapters ...interfaces.SealingAdapter) Set {
	s := make(Set, len(adapters))
	for _, a := range adapters {
		s[a.Kind()] = a
	}
	return s
}

// ForCredential returns the adapter serving the account's credential kind.
func (s Set) ForCredential(kind interfaces.CredentialKind) (interfaces.SealingAdapter, error) {
	a, ok := s[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNoAdapter, kind)
	}
	return a, nil
}
