// Package publish drives one publish run: it prepares the working folder,
// links it to the remote, merges the content folder in and commits the
// result.
package publish

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/schaermu/scmpublish/internal/credential"
	"github.com/schaermu/scmpublish/internal/mergecopy"
	"github.com/schaermu/scmpublish/internal/scm"
)

// ErrLocked is returned when another run holds the working folder lock
var ErrLocked = errors.New("working folder is locked by another publish run")

// Credentials resolves the account used for the remote
type Credentials interface {
	Username(ctx context.Context, target string) (string, error)
	Password(ctx context.Context, target string) (string, error)
	Lookup(kind credential.Kind) (string, bool)
}

// Opener creates the backend for an SCM type
type Opener func(t scm.Type, workingFolder string, opts scm.Options) (scm.Backend, error)

// Engine orchestrates the publish process
type Engine struct {
	creds    Credentials
	open     Opener
	opts     scm.Options
	logger   *slog.Logger
	disabled bool
}

// NewEngine creates a new publish engine. A nil opener selects scm.Open.
func NewEngine(creds Credentials, open Opener, opts scm.Options, logger *slog.Logger, disabled bool) *Engine {
	if open == nil {
		open = scm.Open
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if opts.Logger == nil {
		opts.Logger = logger
	}
	return &Engine{
		creds:    creds,
		open:     open,
		opts:     opts,
		logger:   logger,
		disabled: disabled,
	}
}

// LockPath returns the lock file guarding workingFolder
func LockPath(workingFolder string) string {
	return filepath.Clean(workingFolder) + ".lock"
}

// Run executes the complete publish process. Every failure is returned as
// an *Error; nothing is retried or rolled back.
func (e *Engine) Run(ctx context.Context, req Request) (Result, error) {
	res := Result{Stage: StageInit}

	if e.disabled {
		e.logger.Info("publishing disabled, skipping", "working_folder", req.WorkingFolder)
		res.Skipped = true
		return res, nil
	}

	e.logger.Info("starting publish",
		"working_folder", req.WorkingFolder,
		"content_folder", req.ContentFolder,
		"scm", req.SCMType,
		"url", scm.Redact(req.SCMURL))

	if err := os.MkdirAll(req.WorkingFolder, 0755); err != nil {
		return e.fail(&res, "create working folder", req.WorkingFolder, err)
	}

	// Backend selection happens before the lock and any remote access so an
	// unsupported type leaves nothing behind but the working folder.
	t, err := scm.ParseType(req.SCMType)
	if err != nil {
		return e.fail(&res, "select scm", req.SCMType, err)
	}
	backend, err := e.open(t, req.WorkingFolder, e.opts)
	if err != nil {
		return e.fail(&res, "select scm", req.SCMType, err)
	}

	lock := flock.New(LockPath(req.WorkingFolder))
	locked, err := lock.TryLock()
	if err != nil {
		return e.fail(&res, "lock working folder", lock.Path(), err)
	}
	if !locked {
		return e.fail(&res, "lock working folder", lock.Path(), ErrLocked)
	}
	defer e.release(lock)
	e.advance(&res, StageWorkingFolderReady)

	creds, err := e.resolveCredentials(ctx, req.SCMURL)
	if err != nil {
		return e.fail(&res, "resolve credentials", scm.Redact(req.SCMURL), err)
	}
	url := backend.SubstituteURL(req.SCMURL, creds.Username)

	if err := backend.LinkAndFetch(ctx, url, creds); err != nil {
		return e.fail(&res, "link working folder", scm.Redact(url), err)
	}
	e.advance(&res, StageLinked)

	n, err := mergecopy.Copy(req.ContentFolder, req.WorkingFolder, false, req.Extensions)
	if err != nil {
		return e.fail(&res, "copy content", req.ContentFolder, err)
	}
	res.FilesCopied = n
	e.advance(&res, StageContentCopied, "files_copied", n)

	if err := backend.StageAllUntracked(ctx); err != nil {
		return e.fail(&res, "stage files", req.WorkingFolder, err)
	}
	e.advance(&res, StageStaged)

	if err := backend.CommitAndPush(ctx, req.CommitMessage, creds, scm.MergeFailFast); err != nil {
		return e.fail(&res, "commit and push", scm.Redact(url), err)
	}
	e.advance(&res, StageCommitted)

	e.logger.Info("publish completed successfully", "files_copied", n, "url", scm.Redact(req.SCMURL))
	return res, nil
}

// resolveCredentials asks for the credentials the transport needs and picks
// up the others only if they are already known.
func (e *Engine) resolveCredentials(ctx context.Context, url string) (scm.Credentials, error) {
	var creds scm.Credentials
	need := scm.RequirementsFor(url)

	var err error
	if need.Username {
		if creds.Username, err = e.creds.Username(ctx, url); err != nil {
			return creds, err
		}
	} else {
		creds.Username, _ = e.creds.Lookup(credential.Username)
	}

	if need.Password {
		if creds.Password, err = e.creds.Password(ctx, url); err != nil {
			return creds, err
		}
	} else {
		creds.Password, _ = e.creds.Lookup(credential.Password)
	}
	return creds, nil
}

// release unlocks the working folder and removes the lock file
func (e *Engine) release(lock *flock.Flock) {
	if err := lock.Unlock(); err != nil {
		e.logger.Warn("failed to release working folder lock", "path", lock.Path(), "error", err)
		return
	}
	if err := os.Remove(lock.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		e.logger.Warn("failed to remove working folder lock", "path", lock.Path(), "error", err)
	}
}

func (e *Engine) advance(res *Result, stage Stage, attrs ...any) {
	res.Stage = stage
	e.logger.Debug("publish stage reached", append([]any{"stage", stage.String()}, attrs...)...)
}

func (e *Engine) fail(res *Result, op, target string, err error) (Result, error) {
	perr := &Error{Stage: res.Stage, Op: op, Target: target, Err: err}
	res.Stage = StageFailed
	e.logger.Error("publish failed", "stage", perr.Stage.String(), "op", op, "error", err)
	return *res, perr
}
