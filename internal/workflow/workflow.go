// Package workflow sequences one escrow session as an explicit state
// machine: authenticate, select a target volume and action, execute the
// action against the encryption backend and the escrow service, and
// report the outcome. One Workflow instance serves one user session on
// one control goroutine.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ayaz345/cauliflowervest/internal/escrow"
	"github.com/ayaz345/cauliflowervest/internal/oauth"
	"github.com/ayaz345/cauliflowervest/internal/storage"
)

// State is a workflow phase. Transitions are driven exclusively by the
// Workflow methods; anything else is rejected with a TransitionError.
type State string

const (
	StateIntro                   State = "intro"
	StateAuthenticating          State = "authenticating"
	StateAwaitingVolumeSelection State = "awaiting-volume-selection"
	StateAwaitingActionSelection State = "awaiting-action-selection"
	StateExecuting               State = "executing"
	StateSuccess                 State = "success"
	StateError                   State = "error"
	StateTerminal                State = "terminal"
)

// Action is a user-selectable escrow operation.
type Action string

const (
	ActionEncrypt Action = "encrypt-new-volume"
	ActionUnlock  Action = "unlock"
	ActionRevert  Action = "revert"
	ActionDisplay Action = "display-secret"
	ActionRotate  Action = "rotate-key"
)

// TransitionError reports a method called in the wrong state.
type TransitionError struct {
	From State
	Op   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("workflow: cannot %s from state %q", e.Op, e.From)
}

// MismatchError reports the flagged inconsistent outcome where the local
// volume state changed but the escrow upload failed: the local secret
// and the escrowed secret now disagree. The unescrowed passphrase is
// retained for recovery and deliberately kept out of the message.
type MismatchError struct {
	Op  Action
	Err error

	// Passphrase is the locally generated secret that never reached the
	// escrow service. Never logged.
	Passphrase string
}

func (e *MismatchError) Error() string {
	switch e.Op {
	case ActionEncrypt:
		return fmt.Sprintf("workflow: volume encrypted but passphrase NOT escrowed: %v", e.Err)
	case ActionRotate:
		return fmt.Sprintf("workflow: local key rotated but new passphrase NOT escrowed; local and escrowed secrets disagree: %v", e.Err)
	default:
		return fmt.Sprintf("workflow: local state changed but escrow failed: %v", e.Err)
	}
}

func (e *MismatchError) Unwrap() error {
	return e.Err
}

// Escrow is the slice of the escrow client the workflow consumes.
type Escrow interface {
	RetrieveSecret(ctx context.Context, target string) (string, error)
	UploadPassphrase(ctx context.Context, target, passphrase string, retryOn4xx bool) error
	IsKeyRotationNeeded(ctx context.Context, target, tag string) (bool, error)
}

// Authenticator produces a ready escrow client from an interactive
// identity flow. Returning implies the credential was obtained and host
// metadata will be validated by the client before any upload.
type Authenticator func(ctx context.Context) (Escrow, error)

// Reporter receives the outcome of each executed action. The journal
// implements it; a nil reporter is allowed.
type Reporter interface {
	Report(ctx context.Context, action, target, outcome, detail string)
}

// Credentials carries the local account secrets some backend actions need.
type Credentials struct {
	Username string
	Password string
}

// Result is what Execute hands back on success.
type Result struct {
	Action Action
	Target string

	// Passphrase is set only for ActionDisplay.
	Passphrase string
}

// Workflow is the session state machine.
type Workflow struct {
	authenticate Authenticator
	backend      storage.Backend
	reporter     Reporter
	logger       *slog.Logger

	state  State
	client Escrow
	target string
	action Action
	err    error
}

// New creates a Workflow in the Intro state.
func New(authenticate Authenticator, backend storage.Backend, reporter Reporter, logger *slog.Logger) *Workflow {
	if logger == nil {
		logger = slog.Default()
	}

	return &Workflow{
		authenticate: authenticate,
		backend:      backend,
		reporter:     reporter,
		logger:       logger,
		state:        StateIntro,
	}
}

// State returns the current phase.
func (w *Workflow) State() State {
	return w.state
}

// Err returns the failure recorded when the workflow entered StateError.
func (w *Workflow) Err() error {
	return w.err
}

// Begin moves Intro -> Authenticating and runs the identity flow. On
// success (credential obtained, metadata valid) the workflow awaits
// volume selection; on failure it enters StateError.
func (w *Workflow) Begin(ctx context.Context) error {
	if w.state != StateIntro {
		return &TransitionError{From: w.state, Op: "begin"}
	}

	w.state = StateAuthenticating
	w.logger.Info("authenticating")

	client, err := w.authenticate(ctx)
	if err != nil {
		return w.fail(ctx, err)
	}

	w.client = client
	w.state = StateAwaitingVolumeSelection

	return nil
}

// SelectTarget records the volume the session operates on. The target is
// immutable for the rest of the run.
func (w *Workflow) SelectTarget(target string) error {
	if w.state != StateAwaitingVolumeSelection {
		return &TransitionError{From: w.state, Op: "select target"}
	}

	if target == "" {
		return fmt.Errorf("workflow: empty target")
	}

	w.target = target
	w.state = StateAwaitingActionSelection

	return nil
}

// Execute runs the chosen action, moving through Executing to Success or
// Error. creds supplies local account secrets for backend actions that
// need them (encrypt, rotate).
func (w *Workflow) Execute(ctx context.Context, action Action, creds Credentials) (*Result, error) {
	if w.state != StateAwaitingActionSelection {
		return nil, &TransitionError{From: w.state, Op: "execute"}
	}

	w.action = action
	w.state = StateExecuting
	w.logger.Info("executing action",
		slog.String("action", string(action)),
		slog.String("target", w.target),
	)

	result, err := w.dispatch(ctx, action, creds)
	if err != nil {
		return nil, w.fail(ctx, err)
	}

	w.report(ctx, "success", "")
	w.state = StateSuccess

	return result, nil
}

// Acknowledge moves Success or Error to Terminal after the operator has
// seen the outcome.
func (w *Workflow) Acknowledge() error {
	switch w.state {
	case StateSuccess, StateError:
		w.state = StateTerminal
		return nil
	default:
		return &TransitionError{From: w.state, Op: "acknowledge"}
	}
}

// Retry moves Error back to AwaitingActionSelection within the same
// session, permitted only for recoverable failure classes.
func (w *Workflow) Retry() error {
	if w.state != StateError {
		return &TransitionError{From: w.state, Op: "retry"}
	}

	if !Recoverable(w.err) {
		return fmt.Errorf("workflow: %w is not recoverable in this session", w.err)
	}

	w.err = nil
	w.state = StateAwaitingActionSelection

	return nil
}

// Recoverable reports whether a failure may be retried within the same
// session. Authentication and metadata failures need a fresh session;
// an escrow mismatch needs operator intervention, not a blind retry; a
// request failure that already exhausted its retries is permanent.
func Recoverable(err error) bool {
	var (
		authErr     *oauth.AuthError
		mdErr       *escrow.MetadataError
		mismatchErr *MismatchError
	)

	if errors.As(err, &authErr) || errors.As(err, &mdErr) || errors.As(err, &mismatchErr) {
		return false
	}

	if errors.Is(err, escrow.ErrPermanent) {
		return false
	}

	var reqErr *escrow.RequestError

	return errors.As(err, &reqErr)
}

// fail records err, reports it, and enters StateError.
func (w *Workflow) fail(ctx context.Context, err error) error {
	w.err = err
	w.state = StateError
	w.logger.Error("workflow failed",
		slog.String("action", string(w.action)),
		slog.String("target", w.target),
		slog.String("error", err.Error()),
	)
	w.report(ctx, "error", errorKind(err))

	return err
}

// report forwards the outcome to the reporter, if any. Detail carries
// the error kind only, never message bodies that could include secrets.
func (w *Workflow) report(ctx context.Context, outcome, detail string) {
	if w.reporter == nil {
		return
	}

	w.reporter.Report(ctx, string(w.action), w.target, outcome, detail)
}

// errorKind names the failure class for reporting.
func errorKind(err error) string {
	var (
		authErr     *oauth.AuthError
		mdErr       *escrow.MetadataError
		mismatchErr *MismatchError
		reqErr      *escrow.RequestError
	)

	switch {
	case errors.As(err, &mismatchErr):
		return "escrow-mismatch"
	case errors.As(err, &authErr):
		return "authentication"
	case errors.As(err, &mdErr):
		return "metadata"
	case errors.Is(err, escrow.ErrNotFound):
		return "not-found"
	case errors.As(err, &reqErr):
		return "request"
	default:
		return "internal"
	}
}
