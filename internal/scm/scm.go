// Package scm links a working folder to a remote repository and publishes
// its contents. Git and SVN are supported behind the Backend interface.
package scm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Type identifies a version control system
type Type string

const (
	Git Type = "GIT"
	SVN Type = "SVN"
)

// DefaultReadme is the marker written into working folders that lack a README.md.
const DefaultReadme = "This repository is used for publishing content programmatically"

// readmeFile is the marker file name ensured by LinkAndFetch.
const readmeFile = "README.md"

// ParseType matches s against the supported types, ignoring case and
// surrounding whitespace.
func ParseType(s string) (Type, error) {
	switch t := Type(strings.ToUpper(strings.TrimSpace(s))); t {
	case Git, SVN:
		return t, nil
	}
	return "", &UnsupportedTypeError{Type: s}
}

// MergePolicy controls what CommitAndPush does when the remote has diverged.
type MergePolicy string

// MergeFailFast aborts the push and reports a MergeFailure. It is the only
// supported policy; no merge or rebase is ever attempted.
const MergeFailFast MergePolicy = "fail"

// Credentials carries the resolved username and password for remote operations
type Credentials struct {
	Username string
	Password string
}

// Backend is a session bound to one working folder
type Backend interface {
	// SubstituteURL puts username into the user part of rawURL when the URL
	// carries one.
	SubstituteURL(rawURL, username string) string
	// LinkAndFetch makes the working folder a checkout of url and brings it
	// up to date with the remote.
	LinkAndFetch(ctx context.Context, url string, creds Credentials) error
	// StageAllUntracked marks new files for inclusion in the next commit.
	StageAllUntracked(ctx context.Context) error
	// CommitAndPush commits every change in the working folder and sends it
	// to the remote.
	CommitAndPush(ctx context.Context, message string, creds Credentials, policy MergePolicy) error
}

// Options configures a backend
type Options struct {
	// ReadmeContent is written to README.md after linking if the file does
	// not exist. Empty disables the marker.
	ReadmeContent string

	// AuthorName and AuthorEmail override the commit author (Git only).
	AuthorName  string
	AuthorEmail string

	// SVNCommand is the svn client binary (default "svn").
	SVNCommand string

	Logger *slog.Logger
}

// Open returns the backend for t bound to workingFolder
func Open(t Type, workingFolder string, opts Options) (Backend, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	switch t {
	case Git:
		return NewGitBackend(workingFolder, opts), nil
	case SVN:
		return NewSVNBackend(workingFolder, opts), nil
	default:
		return nil, &UnsupportedTypeError{Type: string(t)}
	}
}

// ErrRemoteMismatch is wrapped in a LinkError when a working folder is already
// bound to a different remote than the one requested.
var ErrRemoteMismatch = errors.New("working folder is linked to a different remote")

// UnsupportedTypeError reports a configured SCM type other than GIT or SVN
type UnsupportedTypeError struct {
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported scm type %q (must be GIT or SVN)", e.Type)
}

// AuthenticationError reports that the remote rejected or could not be
// offered credentials.
type AuthenticationError struct {
	URL string
	Err error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed for %s: %v", Redact(e.URL), e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

// LinkError reports a failure to bind the working folder to the remote or to
// fetch from it.
type LinkError struct {
	URL string
	Dir string
	Err error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("failed to link %s to %s: %v", e.Dir, Redact(e.URL), e.Err)
}

func (e *LinkError) Unwrap() error { return e.Err }

// MergeFailure reports that the remote diverged from the working folder. The
// working folder is left untouched for manual resolution.
type MergeFailure struct {
	URL string
	Err error
}

func (e *MergeFailure) Error() string {
	return fmt.Sprintf("remote %s has diverged, resolve manually: %v", Redact(e.URL), e.Err)
}

func (e *MergeFailure) Unwrap() error { return e.Err }

func checkPolicy(policy MergePolicy) error {
	if policy != MergeFailFast {
		return fmt.Errorf("unsupported merge policy %q", policy)
	}
	return nil
}

// ensureReadme writes content to README.md in dir unless the file exists
func ensureReadme(dir, content string) error {
	if content == "" {
		return nil
	}

	path := filepath.Join(dir, readmeFile)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := os.WriteFile(path, []byte(content+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", readmeFile, err)
	}
	return nil
}
