// Package storage defines the encryption backend port: the OS-facing
// component that encrypts, unlocks, and reverts volumes and produces raw
// recovery passphrases. The escrow workflow calls it as an opaque
// capability; the variant is selected once at startup from configuration,
// never by runtime type inspection.
package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Backend kinds selectable from configuration.
const (
	KindFullDisk  = "full-disk"
	KindContainer = "container"
	KindFirmware  = "firmware"
)

// Volume conversion states reported by the full-disk tooling.
const (
	StateNone      = "none"
	StateEnabled   = "enabled"
	StateEncrypted = "encrypted"
	StateFailed    = "failed"
)

var (
	// ErrInvalidUUID means a target identifier is not a well-formed UUID.
	ErrInvalidUUID = errors.New("storage: invalid volume UUID")

	// ErrCouldNotUnlock means the volume exists but would not unlock with
	// the supplied passphrase.
	ErrCouldNotUnlock = errors.New("storage: could not unlock volume")

	// ErrCouldNotRevert means the volume unlocked but would not revert to
	// an unencrypted state.
	ErrCouldNotRevert = errors.New("storage: could not revert volume")

	// ErrPreconditions means the host is not in a state where encryption
	// can be enabled (e.g. tooling missing, volume already converting).
	ErrPreconditions = errors.New("storage: encryption preconditions not met")

	// ErrUnsupported marks an operation the selected backend kind does not
	// implement on this host.
	ErrUnsupported = errors.New("storage: operation not supported by backend")
)

// TargetInfo describes one encrypted (or converting) volume.
type TargetInfo struct {
	ID              string
	Encrypted       bool
	ConversionState string
	SizeBytes       int64
}

// Backend is the capability interface over the OS disk-encryption
// tooling. All passphrases cross this boundary as opaque strings and
// must never be logged by implementations.
type Backend interface {
	// Encrypt enables encryption for the primary volume using the local
	// account credentials and returns the volume identifier together with
	// the newly generated recovery passphrase.
	Encrypt(ctx context.Context, username, password string) (targetID, passphrase string, err error)

	// Unlock unlocks the identified volume with the given passphrase.
	Unlock(ctx context.Context, targetID, passphrase string) error

	// Revert unlocks and then reverts the identified volume to an
	// unencrypted state.
	Revert(ctx context.Context, targetID, passphrase, newPass string) error

	// RotateLocalKey replaces the local recovery passphrase, bound to the
	// authenticated user, and returns the new passphrase. After it
	// succeeds the old escrowed secret no longer matches the volume.
	RotateLocalKey(ctx context.Context, username, password string) (passphrase string, err error)

	// ListEncryptedTargets enumerates volumes eligible for unlock, revert,
	// display, and rotation.
	ListEncryptedTargets(ctx context.Context) ([]TargetInfo, error)

	// CheckPreconditions verifies the host can run the encryption action
	// at all, before any user interaction.
	CheckPreconditions(ctx context.Context) error
}

// New selects a backend variant by configured kind.
func New(kind string, run RunFunc) (Backend, error) {
	switch kind {
	case KindFullDisk:
		return newFullDisk(run), nil
	case KindContainer:
		return &containerBackend{}, nil
	case KindFirmware:
		return &firmwareBackend{}, nil
	default:
		return nil, fmt.Errorf("storage: unknown backend kind %q", kind)
	}
}

// validUUID reports whether id is a well-formed volume UUID.
func validUUID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// containerBackend covers encrypted container volumes. Host tooling for
// containers is platform glue outside this module; every operation
// reports ErrUnsupported with the operation named.
type containerBackend struct{}

func (*containerBackend) Encrypt(context.Context, string, string) (string, string, error) {
	return "", "", fmt.Errorf("%w: container encrypt", ErrUnsupported)
}

func (*containerBackend) Unlock(context.Context, string, string) error {
	return fmt.Errorf("%w: container unlock", ErrUnsupported)
}

func (*containerBackend) Revert(context.Context, string, string, string) error {
	return fmt.Errorf("%w: container revert", ErrUnsupported)
}

func (*containerBackend) RotateLocalKey(context.Context, string, string) (string, error) {
	return "", fmt.Errorf("%w: container key rotation", ErrUnsupported)
}

func (*containerBackend) ListEncryptedTargets(context.Context) ([]TargetInfo, error) {
	return nil, nil
}

func (*containerBackend) CheckPreconditions(context.Context) error {
	return fmt.Errorf("%w: container encryption", ErrUnsupported)
}

// firmwareBackend covers firmware password escrow. Same placement as
// containerBackend: the OS glue lives outside this module.
type firmwareBackend struct{}

func (*firmwareBackend) Encrypt(context.Context, string, string) (string, string, error) {
	return "", "", fmt.Errorf("%w: firmware password set", ErrUnsupported)
}

func (*firmwareBackend) Unlock(context.Context, string, string) error {
	return fmt.Errorf("%w: firmware unlock", ErrUnsupported)
}

func (*firmwareBackend) Revert(context.Context, string, string, string) error {
	return fmt.Errorf("%w: firmware revert", ErrUnsupported)
}

func (*firmwareBackend) RotateLocalKey(context.Context, string, string) (string, error) {
	return "", fmt.Errorf("%w: firmware password rotation", ErrUnsupported)
}

func (*firmwareBackend) ListEncryptedTargets(context.Context) ([]TargetInfo, error) {
	return nil, nil
}

func (*firmwareBackend) CheckPreconditions(context.Context) error {
	return fmt.Errorf("%w: firmware password escrow", ErrUnsupported)
}
