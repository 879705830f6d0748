package secret

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// Source lazily resolves a secret from an environment variable or by
// prompting the operator. The value is cached after the first successful
// retrieval.
type Source struct {
	envVar string
	label  string

	// lookup and prompt are swapped out in tests.
	lookup func(string) (string, bool)
	prompt func() (string, error)

	once  sync.Once
	value string
	err   error
}

// NewSource constructs a source that checks envVar before prompting on the
// terminal with label.
func NewSource(envVar, label string) *Source {
	s := &Source{
		envVar: strings.TrimSpace(envVar),
		label:  strings.TrimSpace(label),
		lookup: os.LookupEnv,
	}
	s.prompt = func() (string, error) { return readTerminal(os.Stderr, s.label) }
	return s
}

// Get returns the cached secret or resolves it on first use. Whitespace-only
// values are rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := s.lookup(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = strings.TrimSpace(value)
				return
			}
		}
		value, err := s.prompt()
		if err != nil {
			if s.envVar != "" {
				s.err = fmt.Errorf("%s required; set %s or run interactively: %w", s.label, s.envVar, err)
			} else {
				s.err = err
			}
			return
		}
		if strings.TrimSpace(value) == "" {
			s.err = fmt.Errorf("%s cannot be empty", s.label)
			return
		}
		s.value = strings.TrimSpace(value)
	})
	return s.value, s.err
}

var errNoTerminal = errors.New("no terminal available")

func readTerminal(out io.Writer, label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errNoTerminal
	}
	fmt.Fprintf(out, "Enter %s: ", label)
	raw, err := term.ReadPassword(fd)
	fmt.Fprintln(out)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", label, err)
	}
	return string(raw), nil
}
