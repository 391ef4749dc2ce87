package xdispatch

import (
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileSnapshotter_SaveAndLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "data")
	s := NewFileSnapshotter(dir, nil)

	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	records := map[string]DeliveryRecord{
		RecordKey("m1", "s1"): {MessageID: "m1", SubscriptionID: "s1", Status: StatusDelivered, AttemptCount: 1, LastAttempt: at, DeliveredAt: &at},
		RecordKey("m2", "s1"): {MessageID: "m2", SubscriptionID: "s1", Status: StatusExpired, AttemptCount: 3, LastAttempt: at, Error: "boom"},
	}

	path, err := s.Save(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.Regexp(t, regexp.MustCompile(`^delivery_records_\d+\.json$`), filepath.Base(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"error_message": "boom"`)
	assert.Contains(t, string(raw), `"status": "expired"`)

	got, err := LoadSnapshot(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, StatusExpired, got["m2:s1"].Status)
	require.NotNil(t, got["m1:s1"].DeliveredAt)
	assert.True(t, at.Equal(*got["m1:s1"].DeliveredAt))
}

func TestFileSnapshotter_Errors(t *testing.T) {
	_, err := (&FileSnapshotter{}).Save(context.Background(), nil)
	assert.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = NewFileSnapshotter(t.TempDir(), nil).Save(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)

	_, err = LoadSnapshot(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
