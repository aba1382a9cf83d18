package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ayaz345/cauliflowervest/internal/config"
	"github.com/ayaz345/cauliflowervest/internal/escrow"
	"github.com/ayaz345/cauliflowervest/internal/hostinfo"
	"github.com/ayaz345/cauliflowervest/internal/journal"
	"github.com/ayaz345/cauliflowervest/internal/storage"
	"github.com/ayaz345/cauliflowervest/internal/workflow"
)

// requestTimeout bounds a single HTTP request to the escrow server.
// Retries are handled above this layer.
const requestTimeout = 30 * time.Second

// session bundles everything one command invocation needs: the storage
// backend, the optional journal, and a workflow wired to the
// interactive authenticator.
type session struct {
	cfg     *config.Config
	logger  *slog.Logger
	backend storage.Backend
	journal *journal.Journal
	wf      *workflow.Workflow
}

// newSession assembles a session from the resolved configuration. The
// journal is best-effort: if it cannot be opened the session proceeds
// without outcome recording.
func newSession(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*session, error) {
	backend, err := storage.New(cfg.Backend.Kind, storage.ExecRun)
	if err != nil {
		return nil, err
	}

	var (
		jnl      *journal.Journal
		reporter workflow.Reporter
	)

	if cfg.JournalPath != "" {
		jnl, err = journal.Open(ctx, cfg.JournalPath, logger)
		if err != nil {
			logger.Warn("journal unavailable, outcomes will not be recorded",
				slog.String("path", cfg.JournalPath),
				slog.String("error", err.Error()),
			)
		} else {
			reporter = jnl
		}
	}

	s := &session{
		cfg:     cfg,
		logger:  logger,
		backend: backend,
		journal: jnl,
	}
	s.wf = workflow.New(s.authenticate, backend, reporter, logger)

	return s, nil
}

// Close releases session resources.
func (s *session) Close() {
	if s.journal != nil {
		s.journal.Close()
	}
}

// authenticate runs the interactive identity flow and returns an escrow
// client pinned to the configured CA bundle. The credential stays in
// process memory for the lifetime of the returned client.
func (s *session) authenticate(ctx context.Context) (workflow.Escrow, error) {
	identity, err := authFlow(ctx, s.cfg, s.logger)
	if err != nil {
		return nil, err
	}

	httpClient, err := escrow.NewPinnedHTTPClient(s.cfg.CABundle, requestTimeout)
	if err != nil {
		return nil, err
	}

	return escrow.NewClient(escrow.Options{
		BaseURL:          s.cfg.ServerURL,
		EscrowPath:       s.cfg.EscrowPath(),
		Header:           identity.Header(),
		HTTPClient:       httpClient,
		RequiredMetadata: s.cfg.RequiredMetadata(),
		Gather:           gatherMetadata,
		Logger:           s.logger,
	}), nil
}

// gatherMetadata adapts hostinfo to the escrow client's metadata source.
func gatherMetadata(ctx context.Context) (escrow.Metadata, error) {
	facts, err := hostinfo.Gather(ctx, hostinfo.ExecRun)
	if err != nil {
		return nil, err
	}

	return escrow.Metadata(facts), nil
}

// runAction drives one workflow session end to end for a single CLI
// command: authenticate, select the target, execute, acknowledge.
func (s *session) runAction(ctx context.Context, action workflow.Action, target string, creds workflow.Credentials) (*workflow.Result, error) {
	if err := s.wf.Begin(ctx); err != nil {
		s.wf.Acknowledge()
		return nil, err
	}

	if err := s.wf.SelectTarget(target); err != nil {
		return nil, err
	}

	result, err := s.wf.Execute(ctx, action, creds)
	if ackErr := s.wf.Acknowledge(); ackErr != nil && err == nil {
		err = ackErr
	}

	if err != nil {
		return nil, fmt.Errorf("%s failed: %w", action, err)
	}

	return result, nil
}
