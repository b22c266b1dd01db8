package guard

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// LoadPolicy reads a YAML policy file. Fields the file leaves out keep the
// values of DefaultPolicy.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data)
}

func ParsePolicy(data []byte) (Policy, error) {
	p := DefaultPolicy()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

const watchDebounce = 100 * time.Millisecond

// Watch reloads the policy at path whenever it changes and hands the result
// to fn until ctx is done. Parse errors are passed to fn as well; callers
// usually keep the previous policy in that case.
//
// The parent directory is watched rather than the file so editors that
// replace the file on save are picked up.
func Watch(ctx context.Context, path string, fn func(Policy, error)) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", abs, err)
	}

	go func() {
		defer watcher.Close()
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != abs {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					pending = time.After(watchDebounce)
				}
			case <-pending:
				pending = nil
				p, err := LoadPolicy(abs)
				fn(p, err)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				fn(Policy{}, err)
			}
		}
	}()
	return nil
}
