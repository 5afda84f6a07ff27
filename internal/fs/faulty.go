package fs

import (
	"errors"
	"strings"
	"sync"
)

// ErrInjected is returned by a Fault without its own Err.
var ErrInjected = errors.New("fs: injected fault")

// Fault describes how a matched file misbehaves.
type Fault struct {
	FailAfterBytes int64 // writes that would pass this total fail; -1 never
	FailOnSync     bool
	FailOnClose    bool
	Err            error
}

func (f Fault) cause() error {
	if f.Err != nil {
		return f.Err
	}
	return ErrInjected
}

type rule struct {
	substr string
	fault  Fault
}

// FaultyFS injects errors into files created through it. Rules are matched
// against the file name in the order they were added.
type FaultyFS struct {
	base FileSystem

	mu    sync.Mutex
	rules []rule
}

// NewFaultyFS wraps base, or Default if base is nil.
func NewFaultyFS(base FileSystem) *FaultyFS {
	if base == nil {
		base = Default
	}
	return &FaultyFS{base: base}
}

// AddRule makes files whose name contains substr fail as described.
func (f *FaultyFS) AddRule(substr string, fault Fault) {
	f.mu.Lock()
	f.rules = append(f.rules, rule{substr: substr, fault: fault})
	f.mu.Unlock()
}

// Create implements FileSystem.
func (f *FaultyFS) Create(name string) (File, error) {
	file, err := f.base.Create(name)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.rules {
		if strings.Contains(name, r.substr) {
			return &faultyFile{File: file, fault: r.fault}, nil
		}
	}
	return file, nil
}

// Remove implements FileSystem.
func (f *FaultyFS) Remove(name string) error { return f.base.Remove(name) }

type faultyFile struct {
	File
	fault   Fault
	written int64
}

func (ff *faultyFile) Write(p []byte) (int, error) {
	limit := ff.fault.FailAfterBytes
	if limit >= 0 && ff.written+int64(len(p)) > limit {
		return 0, ff.fault.cause()
	}
	n, err := ff.File.Write(p)
	ff.written += int64(n)
	return n, err
}

func (ff *faultyFile) Sync() error {
	if ff.fault.FailOnSync {
		return ff.fault.cause()
	}
	return ff.File.Sync()
}

func (ff *faultyFile) Close() error {
	err := ff.File.Close()
	if ff.fault.FailOnClose {
		return ff.fault.cause()
	}
	return err
}
