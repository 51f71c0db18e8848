package policy

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Source supplies the current policy document. The gate and the outbox
// read through it so a reload takes effect without a restart.
type Source interface {
	Current() *Document
}

// Static is a fixed-document Source for tests and for running without a
// policy file.
type Static struct {
	Doc *Document
}

func (s *Static) Current() *Document { return s.Doc }

// Provider loads the policy document from a YAML file and watches it
// for changes.
type Provider struct {
	path    string
	watcher *fsnotify.Watcher
	logger  *slog.Logger
	mu      sync.RWMutex
	current *Document
}

var _ Source = (*Provider)(nil)

// NewProvider creates a file-backed policy provider. The file does not
// have to exist; the restrictive defaults apply until it does.
func NewProvider(path string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		path:    path,
		logger:  logger,
		current: DefaultDocument(),
	}
}

// Current returns the most recently loaded document.
func (p *Provider) Current() *Document {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.current
}

// Load reads the policy file. A missing or malformed file leaves the
// defaults in place rather than failing startup.
func (p *Provider) Load() (*Document, error) {
	doc, err := p.read()
	if err != nil {
		p.logger.Error("failed to load policy, keeping defaults",
			slog.String("path", p.path),
			slog.String("error", err.Error()))
		return p.Current(), err
	}

	p.mu.Lock()
	p.current = doc
	p.mu.Unlock()

	p.logger.Info("policy loaded", slog.String("path", p.path))
	return doc, nil
}

func (p *Provider) read() (*Document, error) {
	if _, err := os.Stat(p.path); err != nil {
		return nil, fmt.Errorf("stat policy file: %w", err)
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(p.path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	doc := DefaultDocument()
	if err := k.Unmarshal("", doc); err != nil {
		return nil, fmt.Errorf("unmarshal policy: %w", err)
	}
	return doc, nil
}

// Watch reloads the document whenever the file is written. Reload
// failures keep the previous document.
func (p *Provider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}

	p.mu.Lock()
	p.watcher = watcher
	p.mu.Unlock()

	if err := watcher.Add(p.path); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %s: %w", p.path, err)
	}

	p.logger.Info("watching policy file for changes", slog.String("path", p.path))

	go func() {
		defer watcher.Close()

		for {
			select {
			case <-ctx.Done():
				p.logger.Debug("policy watch stopped")
				return

			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&fsnotify.Write == fsnotify.Write {
					p.logger.Info("policy file changed, reloading", slog.String("path", event.Name))
					p.Load()
				}

			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				p.logger.Error("policy watch error", slog.String("error", err.Error()))
			}
		}
	}()

	return nil
}

// Close stops watching the policy file.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.watcher != nil {
		return p.watcher.Close()
	}
	return nil
}
