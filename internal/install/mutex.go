package install

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"
)

// NamedMutex serializes installer invocations across processes on the same
// host, standing in for the OS installer subsystem's global named mutex
// (spec: the Windows installer subsystem's fixed-name mutex). Acquire
// blocks up to timeout; a timed-out acquire returns an error the caller
// should report as "Waiting for another installation to complete".
type NamedMutex interface {
	Acquire(ctx context.Context, timeout time.Duration) (release func(), err error)
}

// FileMutex implements NamedMutex with an exclusive-create lock file,
// polled at a fixed interval. No corpus dependency exposes a cross-process
// named mutex primitive, so this reaches for the O_EXCL lockfile idiom
// directly via os rather than through platform.FileSystem, whose
// WriteFileAtomic intentionally has no exclusivity semantics (it always
// succeeds by design, for the hash/version marker persistence it backs).
type FileMutex struct {
	path string
	poll time.Duration
}

// NewFileMutex returns a FileMutex backed by a lock file at path.
func NewFileMutex(path string) *FileMutex {
	return &FileMutex{path: path, poll: 250 * time.Millisecond}
}

func (m *FileMutex) Acquire(ctx context.Context, timeout time.Duration) (func(), error) {
	deadline := time.Now().Add(timeout)
	pid := fmt.Sprintf("%d", os.Getpid())

	for {
		f, err := os.OpenFile(m.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			f.WriteString(pid)
			f.Close()
			return func() { os.Remove(m.path) }, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("install: timed out waiting for installer mutex %s", m.path)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.poll):
		}
	}
}

// FakeMutex is an in-process NamedMutex for tests that don't need true
// cross-process exclusion.
type FakeMutex struct {
	mu sync.Mutex
}

func (m *FakeMutex) Acquire(ctx context.Context, timeout time.Duration) (func(), error) {
	done := make(chan struct{})
	go func() { m.mu.Lock(); close(done) }()
	select {
	case <-done:
		return m.mu.Unlock, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("install: timed out waiting for fake installer mutex")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
