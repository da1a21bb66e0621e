package scm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// SVNBackend implements Backend by shelling out to the svn command
type SVNBackend struct {
	dir     string
	opts    Options
	command string
	logger  *slog.Logger

	linked string
}

// NewSVNBackend creates an SVN backend for the working folder dir
func NewSVNBackend(dir string, opts Options) *SVNBackend {
	command := opts.SVNCommand
	if command == "" {
		command = "svn"
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &SVNBackend{
		dir:     dir,
		opts:    opts,
		command: command,
		logger:  logger,
	}
}

// SubstituteURL implements Backend
func (s *SVNBackend) SubstituteURL(rawURL, username string) string {
	return SubstituteURL(rawURL, username)
}

// LinkAndFetch updates an existing checkout or checks url out into the
// working folder. --force lets the checkout adopt files already present.
func (s *SVNBackend) LinkAndFetch(ctx context.Context, url string, creds Credentials) error {
	if s.linked != "" && !sameRemote(s.linked, url) {
		return &LinkError{URL: url, Dir: s.dir, Err: fmt.Errorf("%w: already linked to %s in this run", ErrRemoteMismatch, Redact(s.linked))}
	}

	if _, err := os.Stat(filepath.Join(s.dir, ".svn")); err == nil {
		out, err := s.run(ctx, nil, "info", "--show-item", "url", s.dir)
		if err != nil {
			return &LinkError{URL: url, Dir: s.dir, Err: err}
		}
		current := strings.TrimSpace(out)
		if !sameRemote(current, url) {
			return &LinkError{URL: url, Dir: s.dir, Err: fmt.Errorf("%w: checkout is of %s", ErrRemoteMismatch, current)}
		}

		s.logger.Debug("updating existing svn checkout", "dir", s.dir)
		if _, err := s.run(ctx, &creds, "update", "--accept", "postpone", s.dir); err != nil {
			return classifySVNError(url, s.dir, err)
		}
	} else {
		s.logger.Debug("checking out into working folder", "dir", s.dir, "url", Redact(url))
		if _, err := s.run(ctx, &creds, "checkout", "--force", url, s.dir); err != nil {
			return classifySVNError(url, s.dir, err)
		}
	}

	s.linked = url

	if err := ensureReadme(s.dir, s.opts.ReadmeContent); err != nil {
		return &LinkError{URL: url, Dir: s.dir, Err: err}
	}
	return nil
}

// StageAllUntracked schedules every unversioned path for addition
func (s *SVNBackend) StageAllUntracked(ctx context.Context) error {
	if s.linked == "" {
		return errors.New("svn working folder is not linked")
	}

	out, err := s.run(ctx, nil, "status", s.dir)
	if err != nil {
		return fmt.Errorf("svn status failed: %w", err)
	}

	paths := parseUnversioned(out)
	if len(paths) > 0 {
		args := append([]string{"add", "--parents", "--force"}, paths...)
		if _, err := s.run(ctx, nil, args...); err != nil {
			return fmt.Errorf("svn add failed: %w", err)
		}
	}

	s.logger.Info("staged untracked files", "count", len(paths))
	return nil
}

// CommitAndPush commits the working folder. An out-of-date working copy is
// reported as a MergeFailure; nothing is updated or merged.
func (s *SVNBackend) CommitAndPush(ctx context.Context, message string, creds Credentials, policy MergePolicy) error {
	if err := checkPolicy(policy); err != nil {
		return err
	}
	if s.linked == "" {
		return errors.New("svn working folder is not linked")
	}

	out, err := s.run(ctx, &creds, "commit", "-m", message, s.dir)
	if err != nil {
		switch {
		case isSVNOutOfDate(err):
			return &MergeFailure{URL: s.linked, Err: err}
		case isSVNAuthError(err):
			return &AuthenticationError{URL: s.linked, Err: err}
		default:
			return fmt.Errorf("svn commit failed: %w", err)
		}
	}

	if strings.TrimSpace(out) == "" {
		s.logger.Info("nothing to commit")
	} else {
		s.logger.Info("committed changes", "url", Redact(s.linked))
	}
	return nil
}

// run executes svn with args. When creds is non-nil the credentials are
// passed on the command line, with the password fed through stdin so it
// does not show up in the process list.
func (s *SVNBackend) run(ctx context.Context, creds *Credentials, args ...string) (string, error) {
	full, stdin := svnArgs(creds, args)

	cmd := exec.CommandContext(ctx, s.command, full...)
	cmd.Env = append(os.Environ(), "LC_ALL=C")
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("svn %s: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// svnArgs appends the global flags to args and returns what must be written
// to stdin.
func svnArgs(creds *Credentials, args []string) ([]string, string) {
	flags := []string{"--non-interactive"}
	stdin := ""
	if creds != nil {
		flags = append(flags, "--no-auth-cache")
		if creds.Username != "" {
			flags = append(flags, "--username", creds.Username)
		}
		if creds.Password != "" {
			flags = append(flags, "--password-from-stdin")
			stdin = creds.Password + "\n"
		}
	}

	result := make([]string, 0, len(args)+len(flags))
	result = append(result, args...)
	result = append(result, flags...)
	return result, stdin
}

// parseUnversioned extracts the paths marked "?" in svn status output. The
// first seven columns are status flags, followed by a space and the path.
func parseUnversioned(status string) []string {
	var paths []string
	for _, line := range strings.Split(status, "\n") {
		line = strings.TrimRight(line, "\r")
		if len(line) < 9 || line[0] != '?' {
			continue
		}
		paths = append(paths, strings.TrimSpace(line[8:]))
	}
	return paths
}

func classifySVNError(url, dir string, err error) error {
	if isSVNAuthError(err) {
		return &AuthenticationError{URL: url, Err: err}
	}
	return &LinkError{URL: url, Dir: dir, Err: err}
}

// svn error codes: E170001 authorization failed, E215004 no more credentials.
func isSVNAuthError(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"E170001", "E215004", "Authentication failed", "authorization failed"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// svn error codes: E155011 / E160028 / E160024 out of date, E155015 conflict.
func isSVNOutOfDate(err error) bool {
	msg := err.Error()
	for _, marker := range []string{"E155011", "E160028", "E160024", "E155015", "out of date", "out-of-date"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
