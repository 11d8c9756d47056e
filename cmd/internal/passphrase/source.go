// Package passphrase resolves the operator keystore passphrase.
package passphrase

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"
)

// ErrNoTerminal is returned when the variable is unset and stdin cannot
// prompt.
var ErrNoTerminal = errors.New("operator keystore passphrase required and no terminal available")

// Source resolves a passphrase once from an environment variable or by
// prompting on the terminal, then caches it.
type Source struct {
	envVar string
	prompt io.Writer

	isTerminal func(fd int) bool
	readSecret func(fd int) ([]byte, error)

	once  sync.Once
	value string
	err   error
}

// NewSource checks envVar before prompting on stderr.
func NewSource(envVar string) *Source {
	return &Source{
		envVar:     strings.TrimSpace(envVar),
		prompt:     os.Stderr,
		isTerminal: term.IsTerminal,
		readSecret: term.ReadPassword,
	}
}

// Get returns the passphrase. A set but blank variable and a blank prompt
// answer are both rejected.
func (s *Source) Get() (string, error) {
	s.once.Do(func() {
		if s.envVar != "" {
			if value, ok := os.LookupEnv(s.envVar); ok {
				if strings.TrimSpace(value) == "" {
					s.err = fmt.Errorf("%s is set but empty", s.envVar)
					return
				}
				s.value = value
				return
			}
		}
		fd := int(os.Stdin.Fd())
		if !s.isTerminal(fd) {
			if s.envVar != "" {
				s.err = fmt.Errorf("%w; set %s", ErrNoTerminal, s.envVar)
			} else {
				s.err = ErrNoTerminal
			}
			return
		}
		fmt.Fprint(s.prompt, "Enter operator keystore passphrase: ")
		raw, err := s.readSecret(fd)
		fmt.Fprintln(s.prompt)
		if err != nil {
			s.err = fmt.Errorf("read passphrase: %w", err)
			return
		}
		if strings.TrimSpace(string(raw)) == "" {
			s.err = errors.New("operator keystore passphrase cannot be empty")
			return
		}
		s.value = string(raw)
	})
	return s.value, s.err
}
