package health

import (
	"context"
	"errors"
	"fmt"
)

// ErrNoCredential is reported by [Credential] while no API key is set.
var ErrNoCredential = errors.New("no API key configured")

// CredentialSource yields an API key. ok is false when none is configured.
type CredentialSource interface {
	Credential(ctx context.Context) (key string, ok bool, err error)
}

// Credential fails while src has no key, so a server without a dictionary
// key reports not ready instead of failing every lookup.
func Credential(name string, src CredentialSource) Checker {
	return Checker{
		Name: name,
		Check: func(ctx context.Context) error {
			_, ok, err := src.Credential(ctx)
			switch {
			case err != nil:
				return fmt.Errorf("read credential: %w", err)
			case !ok:
				return ErrNoCredential
			}
			return nil
		},
	}
}

// Func adapts fn into a [Checker].
func Func(name string, fn func(ctx context.Context) error) Checker {
	return Checker{Name: name, Check: fn}
}
