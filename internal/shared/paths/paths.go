package paths

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var (
	// ErrSandboxViolation is returned when a resolved directory escapes the
	// base directory or matches a deny pattern.
	ErrSandboxViolation = errors.New("working directory must be within the base directory")

	// ErrInvalidBase is returned when the base directory is not absolute.
	ErrInvalidBase = errors.New("base directory must be an absolute path")
)

// Resolve joins relativePath onto base and verifies the result stays inside
// base. An empty relativePath resolves to base itself. An absolute
// relativePath replaces base and is then checked like any other result.
func Resolve(base, relativePath string) (string, error) {
	if !filepath.IsAbs(base) {
		return "", ErrInvalidBase
	}
	base = filepath.Clean(base)

	if relativePath == "" {
		return base, nil
	}

	var target string
	if filepath.IsAbs(relativePath) {
		target = filepath.Clean(relativePath)
	} else {
		target = filepath.Join(base, relativePath)
	}

	if !Contains(base, target) {
		return "", fmt.Errorf("%w: %s", ErrSandboxViolation, relativePath)
	}
	return target, nil
}

// Contains reports whether target is base or one of its descendants,
// comparing whole path segments.
func Contains(base, target string) bool {
	rel, err := filepath.Rel(filepath.Clean(base), filepath.Clean(target))
	if err != nil {
		return false
	}
	return !escapes(rel)
}

func escapes(rel string) bool {
	return rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel)
}

// Sandbox is a base directory plus an optional deny list. It is immutable
// once built and safe for concurrent use.
type Sandbox struct {
	base string
	deny []string
}

// NewSandbox validates base and the deny patterns.
func NewSandbox(base string, deny []string) (*Sandbox, error) {
	if !filepath.IsAbs(base) {
		return nil, ErrInvalidBase
	}
	patterns := make([]string, 0, len(deny))
	for _, p := range deny {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid deny pattern %q", p)
		}
		patterns = append(patterns, p)
	}
	return &Sandbox{base: filepath.Clean(base), deny: patterns}, nil
}

// Base returns the cleaned base directory.
func (s *Sandbox) Base() string {
	return s.base
}

// Resolve resolves relativePath under the base and applies the deny list.
func (s *Sandbox) Resolve(relativePath string) (string, error) {
	dir, err := Resolve(s.base, relativePath)
	if err != nil {
		return "", err
	}
	if pattern, denied := s.denied(dir); denied {
		return "", fmt.Errorf("%w: %s matches %q", ErrSandboxViolation, relativePath, pattern)
	}
	return dir, nil
}

// Rel returns dir relative to the base in slash form; "." for the base.
func (s *Sandbox) Rel(dir string) string {
	rel, err := filepath.Rel(s.base, dir)
	if err != nil {
		return dir
	}
	return filepath.ToSlash(rel)
}

func (s *Sandbox) denied(dir string) (string, bool) {
	if len(s.deny) == 0 {
		return "", false
	}
	rel := s.Rel(dir)
	if rel == "." {
		return "", false
	}

	// Check every ancestor so "**/.git" also covers ".git/objects".
	segments := strings.Split(rel, "/")
	for i := range segments {
		candidate := strings.Join(segments[:i+1], "/")
		for _, p := range s.deny {
			if ok, _ := doublestar.Match(p, candidate); ok {
				return p, true
			}
		}
	}
	return "", false
}
