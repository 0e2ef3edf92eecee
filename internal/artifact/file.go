package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/speckit/internal/retry"
)

// FileWriter writes artifacts under root/consensus/<spec>/. Each attempt
// takes the spec lock, writes a temp file and renames it into place, then
// releases the lock before any backoff.
type FileWriter struct {
	root   string
	policy retry.Policy
	logger *slog.Logger
}

// FileOption configures a FileWriter.
type FileOption func(*FileWriter)

// WithFilePolicy sets the retry policy for write attempts.
func WithFilePolicy(p retry.Policy) FileOption {
	return func(w *FileWriter) { w.policy = p }
}

// WithFileLogger sets the logger.
func WithFileLogger(l *slog.Logger) FileOption {
	return func(w *FileWriter) { w.logger = l }
}

// DefaultFilePolicy retries lock contention and transient I/O a few times.
func DefaultFilePolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		BackoffMultiplier: 2,
		MaxBackoff:        5 * time.Second,
		JitterFactor:      0.5,
	}
}

// NewFileWriter creates a writer rooted at root.
func NewFileWriter(root string, opts ...FileOption) *FileWriter {
	w := &FileWriter{
		root:   root,
		policy: DefaultFilePolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Root returns the base directory.
func (w *FileWriter) Root() string { return w.root }

// Path returns where a would be written.
func (w *FileWriter) Path(a Artifact) string {
	return filepath.Join(w.root, "consensus", segment(a.SpecID), a.Name())
}

// Write implements Writer.
func (w *FileWriter) Write(ctx context.Context, a Artifact) (string, error) {
	if err := a.validate(); err != nil {
		return "", retry.Fatal(fmt.Errorf("write artifact: %w", err), "invalid artifact", "")
	}
	path := w.Path(a)
	err := retry.DoVoid(ctx, w.policy, func(ctx context.Context) error {
		return w.writeLocked(a.SpecID, path, []byte(a.Markdown))
	}, retry.WithLogger(w.logger), retry.WithOperation("write artifact"))
	if err != nil {
		return "", fmt.Errorf("write artifact %s: %w", path, err)
	}
	w.logger.Debug("artifact written", "path", path, "spec_id", a.SpecID, "run_id", a.RunID)
	return path, nil
}

func (w *FileWriter) writeLocked(specID, path string, data []byte) (err error) {
	lock, err := lockSpec(w.root, specID)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := lock.unlock(); err == nil && uerr != nil {
			err = fmt.Errorf("unlock: %w", uerr)
		}
	}()
	return atomicWrite(path, data)
}

// atomicWrite replaces path with data via a temp file in the same directory.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return retry.Transient(fmt.Errorf("create dir: %w", err), "io")
	}
	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return retry.Transient(fmt.Errorf("create temp file: %w", err), "io")
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return retry.Transient(fmt.Errorf("write temp file: %w", err), "io")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return retry.Transient(fmt.Errorf("sync temp file: %w", err), "io")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return retry.Transient(fmt.Errorf("close temp file: %w", err), "io")
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return retry.Transient(fmt.Errorf("rename: %w", err), "io")
	}
	return nil
}
