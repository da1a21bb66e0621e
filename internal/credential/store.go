// Package credential resolves the username and password used for remote
// repository access. Values come from a process-level override, then from
// the caller, and finally from an interactive prompt bounded by a timeout.
package credential

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds how long a prompt waits for input
const DefaultTimeout = 2 * time.Minute

// DefaultHint is printed before the first prompt of a process
const DefaultHint = "To disable remote publishing during builds, set SCM_PUBLISH_DISABLE=true"

// Kind selects which credential is resolved
type Kind int

const (
	Username Kind = iota
	Password
)

func (k Kind) String() string {
	if k == Password {
		return "password"
	}
	return "username"
}

// Config holds the non-interactive credential sources and prompt settings
type Config struct {
	// OverrideUsername and OverridePassword take precedence over everything.
	OverrideUsername string
	OverridePassword string

	// Username and Password are the values supplied by the caller.
	Username string
	Password string

	NoPrompt bool
	Timeout  time.Duration
	Hint     string
}

// Prompter reads a credential from the user
type Prompter interface {
	ReadLine(prompt string) (string, error)
	ReadSecret(prompt string) (string, error)
}

// Store resolves and memoizes credentials for the lifetime of a process. It
// is safe for concurrent use.
type Store struct {
	cfg      Config
	prompter Prompter
	out      io.Writer

	mu     sync.Mutex
	cache  map[Kind]string
	group  singleflight.Group
	hinted sync.Once
}

// NewStore creates a credential store. out receives the one-time hint.
func NewStore(cfg Config, prompter Prompter, out io.Writer) *Store {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Hint == "" {
		cfg.Hint = DefaultHint
	}
	if out == nil {
		out = io.Discard
	}
	return &Store{
		cfg:      cfg,
		prompter: prompter,
		out:      out,
		cache:    make(map[Kind]string),
	}
}

// Username resolves the username used to reach target
func (s *Store) Username(ctx context.Context, target string) (string, error) {
	return s.resolve(ctx, Username, target)
}

// Password resolves the password used to reach target
func (s *Store) Password(ctx context.Context, target string) (string, error) {
	return s.resolve(ctx, Password, target)
}

// Lookup returns a credential that is already known without prompting
func (s *Store) Lookup(kind Kind) (string, bool) {
	if v := s.configured(kind); v != "" {
		return v, true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.cache[kind]
	return v, ok
}

func (s *Store) configured(kind Kind) string {
	if kind == Password {
		if s.cfg.OverridePassword != "" {
			return s.cfg.OverridePassword
		}
		return s.cfg.Password
	}
	if s.cfg.OverrideUsername != "" {
		return s.cfg.OverrideUsername
	}
	return s.cfg.Username
}

func (s *Store) resolve(ctx context.Context, kind Kind, target string) (string, error) {
	if v, ok := s.Lookup(kind); ok {
		return v, nil
	}
	if s.cfg.NoPrompt || s.prompter == nil {
		return "", fmt.Errorf("%w: %s for %s (prompting disabled)", ErrMissingCredential, kind, target)
	}

	v, err, _ := s.group.Do(kind.String(), func() (any, error) {
		if v, ok := s.Lookup(kind); ok {
			return v, nil
		}

		value, err := s.prompt(ctx, kind, target)
		if err != nil {
			return "", err
		}

		s.mu.Lock()
		s.cache[kind] = value
		s.mu.Unlock()
		return value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

type answer struct {
	value string
	err   error
}

// prompt asks the user on a separate goroutine and waits at most the
// configured timeout. On timeout the goroutine is abandoned.
func (s *Store) prompt(ctx context.Context, kind Kind, target string) (string, error) {
	s.hinted.Do(func() {
		fmt.Fprintln(s.out, s.cfg.Hint)
	})

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	done := make(chan answer, 1)
	go func() {
		var a answer
		if kind == Password {
			a.value, a.err = s.prompter.ReadSecret(fmt.Sprintf("Password for %s: ", target))
		} else {
			a.value, a.err = s.prompter.ReadLine(fmt.Sprintf("Username for %s: ", target))
		}
		done <- a
	}()

	select {
	case a := <-done:
		if a.err != nil {
			return "", fmt.Errorf("failed to read %s: %w", kind, a.err)
		}
		if a.value == "" {
			return "", fmt.Errorf("%w: empty %s for %s", ErrMissingCredential, kind, target)
		}
		return a.value, nil
	case <-ctx.Done():
		return "", fmt.Errorf("%w: %s for %s: %w", ErrCredentialTimeout, kind, target, ctx.Err())
	}
}
