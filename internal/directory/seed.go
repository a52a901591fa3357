package directory

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"
	"gopkg.in/yaml.v3"
)

// Seed is the on-disk description of tags and agents applied at startup.
// Files ending in .yaml or .yml are YAML; anything else is JSON5.
type Seed struct {
	Tags   []string     `json:"tags" yaml:"tags"`
	Agents []AgentInput `json:"agents" yaml:"agents"`
}

type SeedResult struct {
	Tags   int
	Agents int
}

func LoadSeed(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	var seed Seed
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &seed)
	default:
		err = json5.Unmarshal(data, &seed)
	}
	if err != nil {
		return nil, fmt.Errorf("parse seed %s: %w", path, err)
	}
	return &seed, nil
}

// ApplySeed upserts every tag and agent in seed. Existing rows not named in
// the seed are left alone.
func ApplySeed(ctx context.Context, reg Registry, seed *Seed) (SeedResult, error) {
	var res SeedResult
	for _, name := range seed.Tags {
		if strings.TrimSpace(name) == "" {
			continue
		}
		if _, err := reg.UpsertTag(ctx, name); err != nil {
			return res, err
		}
		res.Tags++
	}
	for _, a := range seed.Agents {
		if _, err := reg.UpsertAgent(ctx, a); err != nil {
			return res, fmt.Errorf("seed agent %q: %w", a.Name, err)
		}
		res.Agents++
	}
	return res, nil
}

type WatchOptions struct {
	Debounce time.Duration
	Logger   *slog.Logger
	// OnApply is called after each reload attempt.
	OnApply func(SeedResult, error)
}

// WatchSeed re-applies the seed file whenever it is written, until ctx is
// done. The parent directory is watched so editors that replace the file
// by rename are picked up.
func WatchSeed(ctx context.Context, path string, reg Registry, opts WatchOptions) error {
	if opts.Debounce <= 0 {
		opts.Debounce = 200 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("seed watcher: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(abs), err)
	}

	reload := func() {
		res, err := reloadSeed(ctx, abs, reg)
		if err != nil {
			opts.Logger.Warn("seed reload failed", "path", abs, "error", err)
		} else {
			opts.Logger.Info("seed reloaded", "path", abs, "tags", res.Tags, "agents", res.Agents)
		}
		if opts.OnApply != nil {
			opts.OnApply(res, err)
		}
	}

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(opts.Debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(opts.Debounce)
			}
			fire = timer.C
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			opts.Logger.Warn("seed watcher error", "error", err)
		case <-fire:
			fire = nil
			reload()
		}
	}
}

func reloadSeed(ctx context.Context, path string, reg Registry) (SeedResult, error) {
	seed, err := LoadSeed(path)
	if err != nil {
		return SeedResult{}, err
	}
	return ApplySeed(ctx, reg, seed)
}
