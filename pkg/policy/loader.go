package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDelay = 250 * time.Millisecond

// Loader reads policies from .rego and .json files and watches them for
// changes.
type Loader struct {
	logger zerolog.Logger

	mu      sync.Mutex
	cache   map[string]cachedPolicy
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// cachedPolicy is a parsed file keyed by its modification time.
type cachedPolicy struct {
	modTime time.Time
	policy  Policy
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cachedPolicy),
	}
}

// LoadFromPaths loads policies from files and directories. Directories are
// searched recursively. A file that cannot be parsed fails the whole load
// so a half-edited policy set is never applied.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	seen := make(map[string]string)

	for _, p := range paths {
		policies, err := l.loadFromPath(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", p, err)
		}
		for _, pol := range policies {
			if prev, dup := seen[pol.Name]; dup {
				return nil, fmt.Errorf("policy %s defined in both %s and %s", pol.Name, prev, pol.Source)
			}
			seen[pol.Name] = pol.Source
		}
		all = append(all, policies...)
	}

	l.logger.Debug().
		Int("total", len(all)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return all, nil
}

func (l *Loader) loadFromPath(ctx context.Context, p string) ([]Policy, error) {
	info, err := os.Stat(p)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		pol, err := l.loadFromFile(p, info)
		if err != nil {
			return nil, err
		}
		return []Policy{pol}, nil
	}

	var policies []Policy
	err = filepath.WalkDir(p, func(file string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(file) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		pol, err := l.loadFromFile(file, info)
		if err != nil {
			return err
		}
		policies = append(policies, pol)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return policies, nil
}

func isPolicyFile(name string) bool {
	return strings.HasSuffix(name, ".rego") || strings.HasSuffix(name, ".json")
}

func (l *Loader) loadFromFile(file string, info os.FileInfo) (Policy, error) {
	l.mu.Lock()
	cached, ok := l.cache[file]
	l.mu.Unlock()
	if ok && cached.modTime.Equal(info.ModTime()) {
		return cached.policy, nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return Policy{}, fmt.Errorf("failed to read file: %w", err)
	}

	var pol Policy
	switch {
	case strings.HasSuffix(file, ".rego"):
		pol = parseRego(file, data)
	case strings.HasSuffix(file, ".json"):
		pol, err = parseJSON(data)
		if err != nil {
			return Policy{}, fmt.Errorf("%s: %w", file, err)
		}
	default:
		return Policy{}, fmt.Errorf("unsupported file type: %s", file)
	}
	pol.Source = file
	pol.UpdatedAt = info.ModTime()

	l.mu.Lock()
	l.cache[file] = cachedPolicy{modTime: info.ModTime(), policy: pol}
	l.mu.Unlock()

	l.logger.Debug().Str("path", file).Str("policy", pol.Name).Msg("Policy loaded from file")
	return pol, nil
}

// parseRego names the policy after the file. Leading comments become the
// description.
func parseRego(file string, data []byte) Policy {
	return Policy{
		Name:        strings.TrimSuffix(filepath.Base(file), ".rego"),
		Description: leadingComment(string(data)),
		Rego:        string(data),
		Severity:    SeverityError,
		Enabled:     true,
	}
}

func parseJSON(data []byte) (Policy, error) {
	var pol Policy
	if err := json.Unmarshal(data, &pol); err != nil {
		return Policy{}, fmt.Errorf("failed to parse JSON policy: %w", err)
	}
	if pol.Name == "" || pol.Rego == "" {
		return Policy{}, fmt.Errorf("JSON policy requires name and rego")
	}
	if pol.Severity == "" {
		pol.Severity = SeverityError
	}
	return pol, nil
}

func leadingComment(content string) string {
	var b strings.Builder
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, "#") {
			if trimmed != "" && b.Len() > 0 {
				break
			}
			continue
		}
		comment := strings.TrimSpace(strings.TrimPrefix(trimmed, "#"))
		if comment == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(comment)
	}
	return b.String()
}

// Watch calls reload with the full policy set whenever a policy file under
// paths is written, created, removed or renamed. Events are debounced. A
// failed load or reload is logged and the previous policies stay active.
func (l *Loader) Watch(ctx context.Context, paths []string, reload func([]Policy) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to stat %s: %w", p, err)
		}
		if info.IsDir() {
			err = filepath.WalkDir(p, func(dir string, d os.DirEntry, err error) error {
				if err != nil || !d.IsDir() {
					return err
				}
				return watcher.Add(dir)
			})
		} else {
			// Editors replace files, so watch the parent.
			err = watcher.Add(filepath.Dir(p))
		}
		if err != nil {
			_ = watcher.Close()
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
	}

	l.mu.Lock()
	l.watcher = watcher
	l.done = make(chan struct{})
	l.mu.Unlock()

	go l.processEvents(ctx, watcher, paths, reload)

	l.logger.Info().Int("paths", len(paths)).Msg("Watching policy paths")
	return nil
}

func (l *Loader) processEvents(ctx context.Context, watcher *fsnotify.Watcher, paths []string, reload func([]Policy) error) {
	defer close(l.done)
	defer watcher.Close()

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = watcher.Add(event.Name)
				}
			}
			if !isPolicyFile(event.Name) || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			l.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Policy file changed")

			l.mu.Lock()
			delete(l.cache, event.Name)
			l.mu.Unlock()

			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(reloadDelay, func() {
				if err := l.triggerReload(ctx, paths, reload); err != nil {
					l.logger.Error().Err(err).Msg("Failed to reload policies")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (l *Loader) triggerReload(ctx context.Context, paths []string, reload func([]Policy) error) error {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := reload(policies); err != nil {
		return fmt.Errorf("failed to apply reloaded policies: %w", err)
	}
	l.logger.Info().Int("count", len(policies)).Msg("Policies reloaded")
	return nil
}

// Stop stops watching and waits for the event loop to exit.
func (l *Loader) Stop() error {
	l.mu.Lock()
	watcher, done := l.watcher, l.done
	l.watcher = nil
	l.mu.Unlock()

	if watcher == nil {
		return nil
	}
	err := watcher.Close()
	<-done
	return err
}
