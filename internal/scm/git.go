package scm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/otiai10/copy"
)

const remoteName = "origin"

const (
	// DefaultAuthorName is the commit author name when neither the options
	// nor git config provide one.
	DefaultAuthorName = "SCM Publish"

	// DefaultAuthorEmail is the commit author email when neither the options
	// nor git config provide one.
	DefaultAuthorEmail = "scmpublish@localhost"
)

// GitBackend implements Backend with go-git
type GitBackend struct {
	dir    string
	opts   Options
	logger *slog.Logger

	repo   *git.Repository
	linked string
}

// NewGitBackend creates a Git backend for the working folder dir
func NewGitBackend(dir string, opts Options) *GitBackend {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &GitBackend{
		dir:    dir,
		opts:   opts,
		logger: logger,
	}
}

// SubstituteURL implements Backend
func (g *GitBackend) SubstituteURL(rawURL, username string) string {
	return SubstituteURL(rawURL, username)
}

// LinkAndFetch opens the repository in the working folder and pulls from the
// remote, or turns the folder into a clone of url if it is not a repository
// yet. Content already present in a fresh working folder is kept; files that
// also exist in the remote take the remote's version.
func (g *GitBackend) LinkAndFetch(ctx context.Context, url string, creds Credentials) error {
	if g.linked != "" && !sameRemote(g.linked, url) {
		return &LinkError{URL: url, Dir: g.dir, Err: fmt.Errorf("%w: already linked to %s in this run", ErrRemoteMismatch, Redact(g.linked))}
	}

	auth, err := gitAuth(url, creds)
	if err != nil {
		return &AuthenticationError{URL: url, Err: err}
	}

	repo, err := git.PlainOpen(g.dir)
	switch {
	case err == nil:
		g.logger.Debug("reusing existing git repository", "dir", g.dir)
		if err := g.checkRemote(repo, url); err != nil {
			return err
		}
		if err := g.pull(ctx, repo, url, auth); err != nil {
			return err
		}
	case errors.Is(err, git.ErrRepositoryNotExists):
		g.logger.Debug("cloning into working folder", "dir", g.dir, "url", Redact(url))
		repo, err = g.clone(ctx, url, auth)
		if err != nil {
			return classifyGitError(url, g.dir, err)
		}
	default:
		return &LinkError{URL: url, Dir: g.dir, Err: err}
	}

	g.repo = repo
	g.linked = url

	if err := ensureReadme(g.dir, g.opts.ReadmeContent); err != nil {
		return &LinkError{URL: url, Dir: g.dir, Err: err}
	}
	return nil
}

// checkRemote verifies the origin remote points at url, adding it when the
// repository has none.
func (g *GitBackend) checkRemote(repo *git.Repository, url string) error {
	remote, err := repo.Remote(remoteName)
	if errors.Is(err, git.ErrRemoteNotFound) {
		_, err = repo.CreateRemote(&config.RemoteConfig{Name: remoteName, URLs: []string{url}})
		if err != nil {
			return &LinkError{URL: url, Dir: g.dir, Err: err}
		}
		return nil
	}
	if err != nil {
		return &LinkError{URL: url, Dir: g.dir, Err: err}
	}

	urls := remote.Config().URLs
	if len(urls) == 0 || !sameRemote(urls[0], url) {
		return &LinkError{URL: url, Dir: g.dir, Err: fmt.Errorf("%w: %s has %v", ErrRemoteMismatch, remoteName, redactAll(urls))}
	}
	return nil
}

func (g *GitBackend) pull(ctx context.Context, repo *git.Repository, url string, auth transport.AuthMethod) error {
	wt, err := repo.Worktree()
	if err != nil {
		return &LinkError{URL: url, Dir: g.dir, Err: err}
	}

	// Leftovers of an earlier run that copied but never committed block the
	// pull. The worktree is reset to HEAD; content is copied again afterwards.
	if _, err := repo.Head(); err == nil {
		if err := wt.Reset(&git.ResetOptions{Mode: git.HardReset}); err != nil {
			return &LinkError{URL: url, Dir: g.dir, Err: fmt.Errorf("failed to reset working folder: %w", err)}
		}
	}

	err = wt.PullContext(ctx, &git.PullOptions{
		RemoteName: remoteName,
		Auth:       auth,
		Force:      true,
	})
	switch {
	case err == nil:
		g.logger.Info("pulled remote changes", "url", Redact(url))
		return nil
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		return nil
	case errors.Is(err, transport.ErrEmptyRemoteRepository), errors.Is(err, plumbing.ErrReferenceNotFound):
		// Nothing has been published yet.
		return nil
	case isNonFastForward(err):
		return &MergeFailure{URL: url, Err: err}
	default:
		return classifyGitError(url, g.dir, err)
	}
}

// clone links a working folder that is not a repository yet. An empty folder
// is cloned into directly; otherwise the clone is made next to it and merged
// in so existing content survives.
func (g *GitBackend) clone(ctx context.Context, url string, auth transport.AuthMethod) (*git.Repository, error) {
	empty, err := isEmptyDir(g.dir)
	if err != nil {
		return nil, err
	}

	opts := &git.CloneOptions{
		URL:        url,
		Auth:       auth,
		RemoteName: remoteName,
	}

	if empty {
		repo, err := git.PlainCloneContext(ctx, g.dir, false, opts)
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return g.initEmpty(url)
		}
		return repo, err
	}

	tmp, err := os.MkdirTemp(filepath.Dir(filepath.Clean(g.dir)), ".scmpublish-clone-*")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = os.RemoveAll(tmp)
	}()

	if _, err := git.PlainCloneContext(ctx, tmp, false, opts); err != nil {
		if errors.Is(err, transport.ErrEmptyRemoteRepository) {
			return g.initEmpty(url)
		}
		return nil, err
	}

	entries, err := os.ReadDir(tmp)
	if err != nil {
		return nil, err
	}
	copyOpts := copy.Options{
		OnSymlink: func(string) copy.SymlinkAction {
			return copy.Shallow
		},
		OnDirExists: func(string, string) copy.DirExistsAction {
			return copy.Merge
		},
	}
	for _, entry := range entries {
		src := filepath.Join(tmp, entry.Name())
		dst := filepath.Join(g.dir, entry.Name())
		if err := copy.Copy(src, dst, copyOpts); err != nil {
			return nil, fmt.Errorf("failed to merge clone into working folder: %w", err)
		}
	}

	return git.PlainOpen(g.dir)
}

// initEmpty prepares a repository for a remote that has no commits yet. The
// first push creates the branch.
func (g *GitBackend) initEmpty(url string) (*git.Repository, error) {
	g.logger.Info("remote repository is empty, initializing working folder", "url", Redact(url))

	repo, err := git.PlainInit(g.dir, false)
	if errors.Is(err, git.ErrRepositoryAlreadyExists) {
		repo, err = git.PlainOpen(g.dir)
	}
	if err != nil {
		return nil, err
	}
	if _, err := repo.Remote(remoteName); err == nil {
		return repo, nil
	}
	if _, err := repo.CreateRemote(&config.RemoteConfig{Name: remoteName, URLs: []string{url}}); err != nil {
		return nil, err
	}
	return repo, nil
}

// StageAllUntracked implements Backend
func (g *GitBackend) StageAllUntracked(ctx context.Context) error {
	if g.repo == nil {
		return errors.New("git working folder is not linked")
	}

	wt, err := g.repo.Worktree()
	if err != nil {
		return err
	}
	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("git status failed: %w", err)
	}

	var untracked []string
	for path, st := range status {
		if st.Worktree == git.Untracked {
			untracked = append(untracked, path)
		}
	}
	sort.Strings(untracked)

	for _, path := range untracked {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, err := wt.Add(path); err != nil {
			return fmt.Errorf("failed to stage %s: %w", path, err)
		}
	}

	g.logger.Info("staged untracked files", "count", len(untracked))
	return nil
}

// CommitAndPush commits staged and modified files and pushes to origin. A
// clean working tree skips the commit but still pushes, which delivers any
// commit left behind by an earlier failed push.
func (g *GitBackend) CommitAndPush(ctx context.Context, message string, creds Credentials, policy MergePolicy) error {
	if err := checkPolicy(policy); err != nil {
		return err
	}
	if g.repo == nil {
		return errors.New("git working folder is not linked")
	}

	wt, err := g.repo.Worktree()
	if err != nil {
		return err
	}
	status, err := wt.Status()
	if err != nil {
		return fmt.Errorf("git status failed: %w", err)
	}

	if status.IsClean() {
		g.logger.Info("nothing to commit")
	} else {
		hash, err := wt.Commit(message, &git.CommitOptions{
			All:    true,
			Author: g.author(),
		})
		if err != nil {
			return fmt.Errorf("failed to commit: %w", err)
		}
		g.logger.Info("committed changes", "commit", hash.String())
	}

	auth, err := gitAuth(g.linked, creds)
	if err != nil {
		return &AuthenticationError{URL: g.linked, Err: err}
	}

	err = g.repo.PushContext(ctx, &git.PushOptions{
		RemoteName: remoteName,
		Auth:       auth,
	})
	switch {
	case err == nil:
		g.logger.Info("pushed to remote", "url", Redact(g.linked))
		return nil
	case errors.Is(err, git.NoErrAlreadyUpToDate):
		g.logger.Info("remote already up to date", "url", Redact(g.linked))
		return nil
	case isNonFastForward(err):
		return &MergeFailure{URL: g.linked, Err: err}
	case isAuthError(err):
		return &AuthenticationError{URL: g.linked, Err: err}
	default:
		return fmt.Errorf("failed to push to %s: %w", Redact(g.linked), err)
	}
}

// author resolves the commit signature. Priority, highest first: explicit
// options, global git config, defaults.
func (g *GitBackend) author() *object.Signature {
	name, email := DefaultAuthorName, DefaultAuthorEmail

	if cfg, err := g.repo.ConfigScoped(config.GlobalScope); err == nil {
		if cfg.User.Name != "" {
			name = cfg.User.Name
		}
		if cfg.User.Email != "" {
			email = cfg.User.Email
		}
	}

	if g.opts.AuthorName != "" {
		name = g.opts.AuthorName
	}
	if g.opts.AuthorEmail != "" {
		email = g.opts.AuthorEmail
	}

	return &object.Signature{Name: name, Email: email, When: time.Now()}
}

// gitAuth builds the go-git auth method for url. SSH prefers a password when
// one is known, then the ssh agent, then the default key files.
func gitAuth(url string, creds Credentials) (transport.AuthMethod, error) {
	switch transportOf(url) {
	case transportSSH:
		user := creds.Username
		if user == "" {
			user = userFromURL(url)
		}
		if user == "" {
			return nil, fmt.Errorf("ssh transport for %s needs a username", Redact(url))
		}

		if creds.Password != "" {
			return &ssh.Password{User: user, Password: creds.Password}, nil
		}
		if os.Getenv("SSH_AUTH_SOCK") != "" {
			if auth, err := ssh.NewSSHAgentAuth(user); err == nil {
				return auth, nil
			}
		}
		return defaultKeyAuth(user)

	case transportHTTP:
		if creds.Username == "" && creds.Password == "" {
			return nil, nil
		}
		return &http.BasicAuth{Username: creds.Username, Password: creds.Password}, nil

	default:
		return nil, nil
	}
}

func defaultKeyAuth(user string) (transport.AuthMethod, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("no ssh agent and no home directory for keys: %w", err)
	}

	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		path := filepath.Join(home, ".ssh", name)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		auth, err := ssh.NewPublicKeysFromFile(user, path, "")
		if err != nil {
			return nil, fmt.Errorf("failed to load ssh key %s: %w", path, err)
		}
		return auth, nil
	}
	return nil, fmt.Errorf("no ssh password, agent or key available for user %q", user)
}

func redactAll(urls []string) []string {
	out := make([]string, len(urls))
	for i, u := range urls {
		out[i] = Redact(u)
	}
	return out
}

func classifyGitError(url, dir string, err error) error {
	if isAuthError(err) {
		return &AuthenticationError{URL: url, Err: err}
	}
	return &LinkError{URL: url, Dir: dir, Err: err}
}

func isAuthError(err error) bool {
	if errors.Is(err, transport.ErrAuthenticationRequired) || errors.Is(err, transport.ErrAuthorizationFailed) {
		return true
	}
	return strings.Contains(err.Error(), "unable to authenticate")
}

func isNonFastForward(err error) bool {
	if errors.Is(err, git.ErrNonFastForwardUpdate) || errors.Is(err, git.ErrForceNeeded) {
		return true
	}
	return strings.Contains(err.Error(), "non-fast-forward")
}

func isEmptyDir(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return true, nil
		}
		return false, err
	}
	return len(entries) == 0, nil
}
