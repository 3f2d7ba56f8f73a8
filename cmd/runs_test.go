//go:build !integration

package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/pricing-agent/internal/model"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 30, 0, 0, time.UTC)
	finished := now.Add(90 * time.Second)
	runs := []model.RunSummary{
		{
			RunID:      "run_20260302T103000_a1b2c3d4",
			Status:     model.ReportStatusCompleted,
			StartedAt:  now,
			FinishedAt: &finished,
			Totals:     model.RunTotals{Products: 120, Doubled: 7, Normalized: 113, Updated: 120},
		},
		{
			RunID:     "run_20260302T113000_deadbeef",
			Status:    model.ReportStatusRunning,
			DryRun:    true,
			StartedAt: now.Add(time.Hour),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)
	out := buf.String()

	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, lines[0], "RUN_ID")
	assert.Contains(t, lines[0], "DOUBLED")

	assert.Contains(t, lines[1], "run_20260302T103000_a1b2c3d4")
	assert.Contains(t, lines[1], "completed")
	assert.Contains(t, lines[1], "live")
	assert.Contains(t, lines[1], "1m30s")
	assert.Contains(t, lines[1], "2026-03-02 10:30:00")

	assert.Contains(t, lines[2], "dry-run")
	assert.Contains(t, lines[2], "running")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(lines[2]), "-"))
}

func TestFormatRunsList_Empty(t *testing.T) {
	var buf bytes.Buffer
	formatRunsList(&buf, nil)
	assert.Equal(t, 1, strings.Count(buf.String(), "\n"))
}
