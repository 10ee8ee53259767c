package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/spatial-income/internal/monitoring"
	"github.com/sells-group/spatial-income/internal/store"
)

func TestFormatRunsList(t *testing.T) {
	now := time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)
	runs := []store.Run{
		{
			ID:        "abc12345-6789-0000-0000-000000000000",
			Status:    store.RunStatusComplete,
			Chains:    4,
			Draws:     2000,
			CreatedAt: now,
			UpdatedAt: now.Add(2 * time.Minute),
		},
		{
			ID:        "def12345-6789-0000-0000-000000000000",
			Status:    store.RunStatusCompleteWithWarnings,
			Chains:    2,
			Draws:     500,
			Warnings:  3,
			CreatedAt: now.Add(-1 * time.Hour),
			UpdatedAt: now.Add(-30 * time.Minute),
		},
	}

	var buf bytes.Buffer
	formatRunsList(&buf, runs)

	output := buf.String()
	assert.Contains(t, output, "ID")
	assert.Contains(t, output, "STATUS")
	assert.Contains(t, output, "WARNINGS")
	assert.Contains(t, output, "abc12345")
	assert.NotContains(t, output, "abc12345-6789")
	assert.Contains(t, output, "complete_with_warnings")
	assert.Contains(t, output, "2000")
	assert.Contains(t, output, "2025-06-15 10:30")
	assert.Contains(t, output, "2m0s")
	assert.Contains(t, output, "30m0s")
}

func TestFormatRunStats(t *testing.T) {
	var buf bytes.Buffer
	formatRunStats(&buf, &monitoring.RunSnapshot{
		Total:                5,
		Complete:             2,
		CompleteWithWarnings: 1,
		Failed:               1,
		InProgress:           1,
		FailRate:             0.25,
		WarningRate:          0.25,
		LookbackHours:        24,
	})

	output := buf.String()
	assert.Contains(t, output, "24h")
	assert.Contains(t, output, "Total runs:")
	assert.Contains(t, output, "25.0%")
	assert.Contains(t, output, "In progress:")
}

func TestFormatRunStats_NothingFinished(t *testing.T) {
	var buf bytes.Buffer
	formatRunStats(&buf, &monitoring.RunSnapshot{Total: 1, InProgress: 1, LookbackHours: 1})
	assert.NotContains(t, buf.String(), "Fail rate")
}

func TestTruncateID(t *testing.T) {
	assert.Equal(t, "abc12345", truncateID("abc12345-6789"))
	assert.Equal(t, "short", truncateID("short"))
	assert.Equal(t, "", truncateID(""))
}
