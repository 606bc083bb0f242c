// Package flags keeps durable named markers in a state directory.
//
// A flag is an empty file. Set creates it and syncs both the file and the
// directory so the marker survives an immediate power cut. Consume is
// read-then-delete: exactly one boot acts on a flag.
package flags

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrIO wraps every filesystem failure. Callers treat it as fatal for the
// current boot.
var ErrIO = errors.New("flags: io error")

type Store struct {
	dir   string
	names []string
}

// Open prepares a store rooted at dir. names is the full set of flags the
// store manages; Arm clears all of them except the one being set.
func Open(dir string, names ...string) (*Store, error) {
	dir = filepath.Clean(strings.TrimSpace(dir))
	if dir == "" || dir == "." {
		return nil, fmt.Errorf("flags: state dir is required")
	}
	for _, n := range names {
		if err := validName(n); err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir %s: %v", ErrIO, dir, err)
	}
	return &Store{dir: dir, names: append([]string(nil), names...)}, nil
}

func validName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("flags: invalid flag name %q", name)
	}
	return nil
}

func (s *Store) path(name string) (string, error) {
	if err := validName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.dir, name), nil
}

func (s *Store) Has(name string) (bool, error) {
	p, err := s.path(name)
	if err != nil {
		return false, err
	}
	_, err = os.Stat(p)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, fmt.Errorf("%w: stat %s: %v", ErrIO, name, err)
}

// Set creates the flag. Setting an already set flag is not an error.
func (s *Store) Set(name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", ErrIO, name, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: sync %s: %v", ErrIO, name, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrIO, name, err)
	}
	return s.syncDir()
}

// Clear removes the flag if present.
func (s *Store) Clear(name string) error {
	p, err := s.path(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("%w: remove %s: %v", ErrIO, name, err)
	}
	return s.syncDir()
}

// Consume reports whether the flag was set and removes it.
func (s *Store) Consume(name string) (bool, error) {
	p, err := s.path(name)
	if err != nil {
		return false, err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("%w: consume %s: %v", ErrIO, name, err)
	}
	if err := s.syncDir(); err != nil {
		return true, err
	}
	return true, nil
}

// Arm sets name and clears every other managed flag, so at most one future
// mode is pending.
func (s *Store) Arm(name string) error {
	for _, n := range s.names {
		if n == name {
			continue
		}
		if err := s.Clear(n); err != nil {
			return err
		}
	}
	return s.Set(name)
}

// Active lists the managed flags currently set.
func (s *Store) Active() ([]string, error) {
	var out []string
	for _, n := range s.names {
		ok, err := s.Has(n)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, n)
		}
	}
	return out, nil
}

func (s *Store) syncDir() error {
	d, err := os.Open(s.dir)
	if err != nil {
		return fmt.Errorf("%w: open dir: %v", ErrIO, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("%w: sync dir: %v", ErrIO, err)
	}
	return nil
}
