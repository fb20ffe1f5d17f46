package safety

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"AgentEngine/pkg/engine/api"
)

// AuditRecord is one line of the safety audit trail.
type AuditRecord struct {
	Ts       time.Time         `json:"ts"`
	Argv     []string          `json:"argv"`
	Cwd      string            `json:"cwd,omitempty"`
	Decision api.SafetyDecision `json:"decision"`
}

// AuditLog append-only logs every safety evaluation as JSON lines. A
// hand-rolled appender, not a rotating library, because the audit trail
// must never silently drop or reorder a record the way size-based log
// rotation can during a burst of writes.
type AuditLog struct {
	path string
	mu   sync.Mutex
}

// NewAuditLog opens (creating if necessary) a JSONL audit log at path.
func NewAuditLog(path string) (*AuditLog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create audit log directory: %w", err)
		}
	}
	return &AuditLog{path: path}, nil
}

// Record appends one audit entry.
func (a *AuditLog) Record(rec AuditRecord) error {
	if rec.Ts.IsZero() {
		rec.Ts = time.Now()
	}

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal audit record: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append audit record: %w", err)
	}
	return nil
}
