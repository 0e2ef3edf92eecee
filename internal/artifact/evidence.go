package artifact

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/roach88/speckit/internal/domain"
	"github.com/roach88/speckit/internal/retry"
)

// Evidence record kinds.
const (
	KindStageCompleted  = "stage_completed"
	KindGateEvaluated   = "gate_evaluated"
	KindArtifactWritten = "artifact_written"
	KindHalted          = "halted"
	KindRunFinished     = "run_finished"
)

// Record is one line of a run's evidence log.
type Record struct {
	Time         time.Time         `json:"ts"`
	Kind         string            `json:"kind"`
	RunID        string            `json:"run_id"`
	SpecID       string            `json:"spec_id"`
	Stage        domain.Stage      `json:"stage,omitempty"`
	Checkpoint   domain.Checkpoint `json:"checkpoint,omitempty"`
	Status       string            `json:"status,omitempty"`
	Participants int               `json:"participants,omitempty"`
	Expected     int               `json:"expected,omitempty"`
	Missing      []string          `json:"missing,omitempty"`
	Location     string            `json:"location,omitempty"`
	Detail       string            `json:"detail,omitempty"`
}

// EvidenceLog appends JSON lines to root/evidence/<spec>/<run>.jsonl under
// the same per-spec lock as FileWriter.
type EvidenceLog struct {
	root   string
	policy retry.Policy
	logger *slog.Logger
	now    func() time.Time
}

// NewEvidenceLog creates a log rooted at root. It shares FileWriter's
// options.
func NewEvidenceLog(root string, opts ...FileOption) *EvidenceLog {
	w := NewFileWriter(root, opts...)
	return &EvidenceLog{root: root, policy: w.policy, logger: w.logger, now: time.Now}
}

// Path returns the log file for a run.
func (l *EvidenceLog) Path(specID, runID string) string {
	return filepath.Join(l.root, "evidence", segment(specID), segment(runID)+".jsonl")
}

// Append writes rec as one line. A zero Time is set to now.
func (l *EvidenceLog) Append(ctx context.Context, rec Record) error {
	if rec.SpecID == "" || rec.RunID == "" {
		return retry.Fatal(errors.New("append evidence: spec id and run id are required"), "invalid record", "")
	}
	if rec.Time.IsZero() {
		rec.Time = l.now().UTC()
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("append evidence: %w", err)
	}
	line = append(line, '\n')

	path := l.Path(rec.SpecID, rec.RunID)
	err = retry.DoVoid(ctx, l.policy, func(ctx context.Context) error {
		return l.appendLocked(rec.SpecID, path, line)
	}, retry.WithLogger(l.logger), retry.WithOperation("append evidence"))
	if err != nil {
		return fmt.Errorf("append evidence %s: %w", path, err)
	}
	return nil
}

func (l *EvidenceLog) appendLocked(specID, path string, line []byte) (err error) {
	lock, err := lockSpec(l.root, specID)
	if err != nil {
		return err
	}
	defer func() {
		if uerr := lock.unlock(); err == nil && uerr != nil {
			err = fmt.Errorf("unlock: %w", uerr)
		}
	}()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return retry.Transient(fmt.Errorf("create dir: %w", err), "io")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return retry.Transient(fmt.Errorf("open: %w", err), "io")
	}
	// A failed append is not retried: a partial line may already be on disk.
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("write: %w", err)
	}
	return f.Close()
}

// Records reads a run's log. A missing log yields no records.
func (l *EvidenceLog) Records(specID, runID string) ([]Record, error) {
	f, err := os.Open(l.Path(specID, runID))
	if errors.Is(err, os.ErrNotExist) {
		return []Record{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read evidence: %w", err)
	}
	defer f.Close()

	records := []Record{}
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for n := 1; sc.Scan(); n++ {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(sc.Bytes(), &rec); err != nil {
			return records, fmt.Errorf("read evidence line %d: %w", n, err)
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return records, fmt.Errorf("read evidence: %w", err)
	}
	return records, nil
}
