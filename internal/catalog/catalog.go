// Package catalog loads the yield-opportunity catalog from YAML and keeps it
// current while the file changes.
package catalog

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"daowatch/internal/analytics"
)

// File is the on-disk catalog shape.
type File struct {
	Opportunities []Entry `yaml:"opportunities"`
}

// Entry is one catalog row. Numbers are strings so that APYs keep exact
// decimal precision.
type Entry struct {
	Protocol       string `yaml:"protocol"`
	Asset          string `yaml:"asset"`
	APY            string `yaml:"apy"`
	TVL            string `yaml:"tvl"`
	Risk           string `yaml:"risk"`
	LockDays       int    `yaml:"lock_days"`
	MinimumDeposit string `yaml:"minimum_deposit"`
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) ([]analytics.YieldOpportunity, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	out := make([]analytics.YieldOpportunity, 0, len(f.Opportunities))
	for i, e := range f.Opportunities {
		o, err := e.toOpportunity()
		if err != nil {
			return nil, fmt.Errorf("catalog entry %d (%s): %w", i, e.Protocol, err)
		}
		out = append(out, o)
	}
	return out, nil
}

func (e Entry) toOpportunity() (analytics.YieldOpportunity, error) {
	if strings.TrimSpace(e.Protocol) == "" || strings.TrimSpace(e.Asset) == "" {
		return analytics.YieldOpportunity{}, fmt.Errorf("protocol and asset are required")
	}
	tier, ok := analytics.ParseRiskTier(e.Risk)
	if !ok {
		return analytics.YieldOpportunity{}, fmt.Errorf("unknown risk tier %q", e.Risk)
	}
	apy, err := decimal.NewFromString(strings.TrimSpace(e.APY))
	if err != nil {
		return analytics.YieldOpportunity{}, fmt.Errorf("parse apy: %w", err)
	}
	if apy.IsNegative() {
		return analytics.YieldOpportunity{}, fmt.Errorf("apy must not be negative")
	}
	tvl, err := optionalDecimal(e.TVL)
	if err != nil {
		return analytics.YieldOpportunity{}, fmt.Errorf("parse tvl: %w", err)
	}
	minDeposit, err := optionalDecimal(e.MinimumDeposit)
	if err != nil {
		return analytics.YieldOpportunity{}, fmt.Errorf("parse minimum_deposit: %w", err)
	}
	return analytics.YieldOpportunity{
		Protocol:       strings.TrimSpace(e.Protocol),
		Asset:          strings.ToUpper(strings.TrimSpace(e.Asset)),
		APY:            apy,
		TVL:            tvl,
		RiskTier:       tier,
		LockPeriod:     time.Duration(e.LockDays) * 24 * time.Hour,
		MinimumDeposit: minDeposit,
	}, nil
}

func optionalDecimal(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(s)
}

// Loader reads the catalog file and watches it for changes.
type Loader struct {
	path   string
	logger zerolog.Logger

	mu       sync.RWMutex
	current  []analytics.YieldOpportunity
	onChange []func([]analytics.YieldOpportunity)
}

// NewLoader performs the initial load.
func NewLoader(path string, logger zerolog.Logger) (*Loader, error) {
	l := &Loader{path: path, logger: logger.With().Str("component", "yield_catalog").Logger()}
	entries, err := l.load()
	if err != nil {
		return nil, err
	}
	l.current = entries
	return l, nil
}

// Static wraps a fixed catalog, for configurations without a file.
func Static(entries []analytics.YieldOpportunity) *Loader {
	return &Loader{current: entries, logger: zerolog.Nop()}
}

// Opportunities returns a copy of the current catalog.
func (l *Loader) Opportunities() []analytics.YieldOpportunity {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]analytics.YieldOpportunity, len(l.current))
	copy(out, l.current)
	return out
}

// OnChange registers a callback invoked after each successful reload.
func (l *Loader) OnChange(fn func([]analytics.YieldOpportunity)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch hot-reloads the catalog until stop is called. The parent directory is
// watched so editors that replace the file atomically are picked up.
func (l *Loader) Watch() (stop func(), err error) {
	if l.path == "" {
		return func() {}, nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("catalog watcher: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("catalog watcher add %s: %w", dir, err)
	}
	target := filepath.Clean(l.path)

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
					if _, err := l.Reload(); err != nil {
						l.logger.Warn().Err(err).Msg("catalog reload failed, keeping previous entries")
					}
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				l.logger.Warn().Err(err).Msg("catalog watcher error")
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }, nil
}

// Reload forces an immediate re-read of the catalog file.
func (l *Loader) Reload() ([]analytics.YieldOpportunity, error) {
	entries, err := l.load()
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	l.current = entries
	callbacks := make([]func([]analytics.YieldOpportunity), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()

	l.logger.Info().Int("entries", len(entries)).Msg("yield catalog reloaded")
	for _, fn := range callbacks {
		fn(entries)
	}
	return entries, nil
}

func (l *Loader) load() ([]analytics.YieldOpportunity, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", l.path, err)
	}
	return Parse(data)
}
