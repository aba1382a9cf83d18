package workflow

import (
	"context"
	"fmt"
)

// dispatch runs the selected action. Every branch either completes both
// its local and escrow halves or returns an error precise enough for the
// operator to know which half failed.
func (w *Workflow) dispatch(ctx context.Context, action Action, creds Credentials) (*Result, error) {
	switch action {
	case ActionEncrypt:
		return w.runEncrypt(ctx, creds)
	case ActionUnlock:
		return w.runUnlock(ctx)
	case ActionRevert:
		return w.runRevert(ctx, creds)
	case ActionDisplay:
		return w.runDisplay(ctx)
	case ActionRotate:
		return w.runRotate(ctx, creds)
	default:
		return nil, fmt.Errorf("workflow: unknown action %q", action)
	}
}

// runEncrypt enables encryption and escrows the new passphrase. If the
// backend succeeds but the upload fails, the volume is encrypted with no
// escrowed secret. That is surfaced as a MismatchError retaining the
// passphrase rather than discarding it.
func (w *Workflow) runEncrypt(ctx context.Context, creds Credentials) (*Result, error) {
	if err := w.backend.CheckPreconditions(ctx); err != nil {
		return nil, err
	}

	target, passphrase, err := w.backend.Encrypt(ctx, creds.Username, creds.Password)
	if err != nil {
		return nil, err
	}

	// The encrypt flow discovers its target; record it for reporting.
	w.target = target

	if err := w.client.UploadPassphrase(ctx, target, passphrase, false); err != nil {
		return nil, &MismatchError{Op: ActionEncrypt, Err: err, Passphrase: passphrase}
	}

	return &Result{Action: ActionEncrypt, Target: target}, nil
}

func (w *Workflow) runUnlock(ctx context.Context) (*Result, error) {
	passphrase, err := w.client.RetrieveSecret(ctx, w.target)
	if err != nil {
		return nil, err
	}

	if err := w.backend.Unlock(ctx, w.target, passphrase); err != nil {
		return nil, err
	}

	return &Result{Action: ActionUnlock, Target: w.target}, nil
}

func (w *Workflow) runRevert(ctx context.Context, creds Credentials) (*Result, error) {
	passphrase, err := w.client.RetrieveSecret(ctx, w.target)
	if err != nil {
		return nil, err
	}

	if err := w.backend.Revert(ctx, w.target, passphrase, creds.Password); err != nil {
		return nil, err
	}

	return &Result{Action: ActionRevert, Target: w.target}, nil
}

// runDisplay retrieves the secret for verbatim presentation. Read-only:
// no local or escrow mutation.
func (w *Workflow) runDisplay(ctx context.Context) (*Result, error) {
	passphrase, err := w.client.RetrieveSecret(ctx, w.target)
	if err != nil {
		return nil, err
	}

	return &Result{Action: ActionDisplay, Target: w.target, Passphrase: passphrase}, nil
}

// runRotate replaces the local recovery key and escrows the new value.
// retryOn4xx is false so a rejected rotation surfaces immediately
// instead of retrying a stale token. A failed upload after a successful
// local rotation means the local and escrowed secrets disagree. That is
// reported as a MismatchError, distinct from a plain upload failure.
func (w *Workflow) runRotate(ctx context.Context, creds Credentials) (*Result, error) {
	passphrase, err := w.backend.RotateLocalKey(ctx, creds.Username, creds.Password)
	if err != nil {
		return nil, err
	}

	if err := w.client.UploadPassphrase(ctx, w.target, passphrase, false); err != nil {
		return nil, &MismatchError{Op: ActionRotate, Err: err, Passphrase: passphrase}
	}

	return &Result{Action: ActionRotate, Target: w.target}, nil
}
