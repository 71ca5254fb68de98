package paths

import (
	"context"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/charlievieth/fastwalk"
)

// Directories lists the directories under the base, up to maxDepth levels
// deep, as slash-separated paths relative to the base. Hidden and denied
// directories are skipped along with their contents. Every returned entry
// resolves successfully through Resolve.
func (s *Sandbox) Directories(ctx context.Context, maxDepth int) ([]string, error) {
	if maxDepth <= 0 {
		maxDepth = 1
	}

	var (
		mu   sync.Mutex
		dirs []string
	)

	conf := fastwalk.Config{Follow: false}
	err := fastwalk.Walk(&conf, s.base, func(p string, d fs.DirEntry, err error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err != nil || p == s.base || !d.IsDir() {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if _, denied := s.denied(p); denied {
			return filepath.SkipDir
		}

		rel := s.Rel(p)
		mu.Lock()
		dirs = append(dirs, rel)
		mu.Unlock()

		if strings.Count(rel, "/")+1 >= maxDepth {
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Strings(dirs)
	return dirs, nil
}
