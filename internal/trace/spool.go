package trace

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
)

// Spool persists runs that could not be delivered before shutdown so a later
// start can replay them.
type Spool interface {
	Save(ctx context.Context, runs []*Run) error
	Load(ctx context.Context) ([]*Run, error)
	Delete(ctx context.Context, ids []string) error
	Driver() string
	Close() error
}

type spooledRow struct {
	ID          string
	ParentRunID string
	Payload     string
	AbandonedAt time.Time
}

func encodeSpooledRun(run *Run, abandonedAt time.Time) (spooledRow, error) {
	id := strings.TrimSpace(run.ID)
	if id == "" {
		return spooledRow{}, fmt.Errorf("spooled run is missing an id")
	}
	payload, err := sonic.Marshal(run)
	if err != nil {
		return spooledRow{}, fmt.Errorf("encode spooled run %q: %w", id, err)
	}
	return spooledRow{
		ID:          id,
		ParentRunID: strings.TrimSpace(run.ParentRunID),
		Payload:     string(payload),
		AbandonedAt: abandonedAt.UTC(),
	}, nil
}

func decodeSpooledRun(id string, payload []byte) (*Run, error) {
	var run Run
	if err := sonic.Unmarshal(payload, &run); err != nil {
		return nil, fmt.Errorf("decode spooled run %q: %w", id, err)
	}
	if run.ID == "" {
		run.ID = id
	}
	return &run, nil
}

func spoolableRuns(runs []*Run) []*Run {
	out := make([]*Run, 0, len(runs))
	for _, run := range runs {
		if run != nil {
			out = append(out, run)
		}
	}
	return out
}
