package policy

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/open-policy-agent/opa/ast"
	"github.com/rs/zerolog"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 500 * time.Millisecond

// fileParsers maps a policy file extension to its decoder.
var fileParsers = map[string]func(path string, data []byte) (*Policy, error){
	".rego": parseRegoFile,
	".json": parseJSONFile,
}

// cacheEntry remembers the parsed policy for one file's contents.
type cacheEntry struct {
	sum    [sha256.Size]byte
	policy *Policy
}

// Loader reads command policies from .rego and .json files. Parsed files
// are reused until their contents change.
type Loader struct {
	logger zerolog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewLoader creates a new policy loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
		cache:  make(map[string]cacheEntry),
	}
}

// LoadFromPaths loads policies from files and directories. A named file
// that fails to parse is an error; inside a directory it is skipped.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var policies []Policy

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", path, err)
		}

		if !info.IsDir() {
			p, err := l.loadFromFile(ctx, path)
			if err != nil {
				return nil, err
			}
			policies = append(policies, *p)
			continue
		}

		found, err := l.loadFromDirectory(ctx, path)
		if err != nil {
			return nil, err
		}
		policies = append(policies, found...)
	}

	l.logger.Debug().
		Int("total", len(policies)).
		Int("sources", len(paths)).
		Msg("Policies loaded from paths")

	return policies, nil
}

func (l *Loader) loadFromDirectory(ctx context.Context, dir string) ([]Policy, error) {
	var policies []Policy

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !isPolicyFile(path) {
			return nil
		}

		p, err := l.loadFromFile(ctx, path)
		if err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Skipping policy file")
			return nil
		}
		policies = append(policies, *p)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk policy directory %s: %w", dir, err)
	}

	return policies, nil
}

func isPolicyFile(path string) bool {
	_, ok := fileParsers[filepath.Ext(path)]
	return ok
}

func (l *Loader) loadFromFile(_ context.Context, path string) (*Policy, error) {
	parse, ok := fileParsers[filepath.Ext(path)]
	if !ok {
		return nil, fmt.Errorf("unsupported policy file type: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	sum := sha256.Sum256(data)

	l.mu.Lock()
	entry, hit := l.cache[path]
	l.mu.Unlock()
	if hit && entry.sum == sum {
		return entry.policy, nil
	}

	p, err := parse(path, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	l.mu.Lock()
	l.cache[path] = cacheEntry{sum: sum, policy: p}
	l.mu.Unlock()

	l.logger.Debug().
		Str("path", path).
		Str("policy", p.Name).
		Bool("changed", hit).
		Msg("Policy parsed")

	return p, nil
}

// header holds the directives and prose of a Rego file's leading comments.
type header struct {
	description string
	severity    Severity
	tags        []string
	plugins     []string
}

// parseHeader reads the comments above the first rule, around the package
// and import clauses. Lines of the form "# key: value" are directives for
// severity, tags and plugins; the rest is description text.
func parseHeader(content string) (header, error) {
	h := header{severity: SeverityError}
	var prose []string

	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if strings.HasPrefix(trimmed, "package ") || strings.HasPrefix(trimmed, "import ") {
			continue
		}
		comment, ok := strings.CutPrefix(trimmed, "#")
		if !ok {
			break
		}
		comment = strings.TrimSpace(comment)

		key, value, directive := strings.Cut(comment, ":")
		switch key = strings.TrimSpace(key); {
		case directive && key == "severity":
			s := Severity(strings.TrimSpace(value))
			switch s {
			case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
				h.severity = s
			default:
				return header{}, fmt.Errorf("unknown severity %q", s)
			}
		case directive && key == "tags":
			h.tags = splitList(value)
		case directive && key == "plugins":
			h.plugins = splitList(value)
		case comment != "":
			prose = append(prose, comment)
		}
	}

	h.description = strings.Join(prose, " ")
	return h, nil
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseRegoFile builds an enabled policy named after the file. The module
// must parse so a broken file is rejected before it reaches the engine.
func parseRegoFile(path string, data []byte) (*Policy, error) {
	content := string(data)

	module, err := ast.ParseModule(path, content)
	if err != nil {
		return nil, err
	}
	if module == nil {
		return nil, errors.New("policy file has no package")
	}

	h, err := parseHeader(content)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		Description: h.description,
		Rego:        content,
		Severity:    h.severity,
		Enabled:     true,
		Tags:        h.tags,
		Plugins:     h.plugins,
		Metadata: map[string]interface{}{
			"source":  path,
			"package": module.Package.Path.String(),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func parseJSONFile(_ string, data []byte) (*Policy, error) {
	var p Policy
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse JSON policy: %w", err)
	}
	if p.Name == "" {
		return nil, errors.New("JSON policy has no name")
	}

	normalizeLoaded(&p)
	return &p, nil
}

// normalizeLoaded fills defaults on a policy read from disk. Only the
// engine ships built-in policies.
func normalizeLoaded(p *Policy) {
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}
	p.Builtin = false
}

// LoadBundle loads a JSON policy bundle.
func (l *Loader) LoadBundle(_ context.Context, path string) (*PolicyBundle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bundle: %w", err)
	}

	var bundle PolicyBundle
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("parse bundle: %w", err)
	}

	for i := range bundle.Policies {
		normalizeLoaded(&bundle.Policies[i])
	}

	l.logger.Info().
		Str("bundle", bundle.Name).
		Str("version", bundle.Version).
		Int("policies", len(bundle.Policies)).
		Msg("Policy bundle loaded")

	return &bundle, nil
}

// Watch reloads policies from paths after policy files change and hands
// the full set to apply. A failed reload keeps the previous set in place.
// Events are handled on one goroutine until ctx is done or Close is called.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	if l.watcher != nil {
		return errors.New("policy loader is already watching")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create policy watcher: %w", err)
	}

	for _, path := range paths {
		if err := addWatchTree(watcher, path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Cannot watch policy path")
		}
	}

	l.watcher = watcher
	l.done = make(chan struct{})
	go l.watchLoop(ctx, paths, apply)

	l.logger.Info().
		Strs("paths", paths).
		Msg("Watching policy paths")

	return nil
}

// addWatchTree watches a file, or every directory below a directory root.
func addWatchTree(watcher *fsnotify.Watcher, root string) error {
	info, err := os.Stat(root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return watcher.Add(root)
	}
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		return watcher.Add(path)
	})
}

func (l *Loader) watchLoop(ctx context.Context, paths []string, apply func([]Policy) error) {
	w := l.watcher
	defer close(l.done)
	defer w.Close()

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case <-fire:
			fire = nil
			l.reload(ctx, paths, apply)

		case event, ok := <-w.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := addWatchTree(w, event.Name); err != nil {
						l.logger.Warn().Err(err).Str("path", event.Name).Msg("Cannot watch new directory")
					}
					continue
				}
			}
			if !isPolicyFile(event.Name) || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				l.forget(event.Name)
			}

			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			if timer == nil {
				timer = time.NewTimer(reloadDelay)
			} else {
				timer.Reset(reloadDelay)
			}
			fire = timer.C

		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Policy watcher error")
		}
	}
}

func (l *Loader) reload(ctx context.Context, paths []string, apply func([]Policy) error) {
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		l.logger.Error().Err(err).Msg("Policy reload failed, keeping current policies")
		return
	}
	if err := apply(policies); err != nil {
		l.logger.Error().Err(err).Msg("Reloaded policies rejected, keeping current policies")
		return
	}

	l.logger.Info().
		Int("count", len(policies)).
		Msg("Policies reloaded")
}

func (l *Loader) forget(path string) {
	l.mu.Lock()
	delete(l.cache, path)
	l.mu.Unlock()
}

// Close stops a running Watch and waits for its goroutine to exit.
func (l *Loader) Close() error {
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	<-l.done
	l.watcher = nil
	return err
}
