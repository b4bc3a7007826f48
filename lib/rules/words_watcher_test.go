package rules

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchWordsFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "words.txt")
	require.NoError(t, os.WriteFile(file, []byte("casino\n"), 0o600))

	d := NewDetector()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.WatchWordsFile(ctx, file) }()

	// initial load
	assert.Eventually(t, func() bool {
		spam, _ := d.Check(Request{Msg: "casino inside"}, Thresholds{})
		return spam
	}, time.Second, 10*time.Millisecond)

	// rewrite the file, detector picks the change up
	require.NoError(t, os.WriteFile(file, []byte("lottery\n"), 0o600))
	assert.Eventually(t, func() bool {
		spam, _ := d.Check(Request{Msg: "lottery inside"}, Thresholds{})
		return spam
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestWatchWordsFile_MissingFile(t *testing.T) {
	d := NewDetector()
	err := d.WatchWordsFile(context.Background(), "/nonexistent/words.txt")
	assert.Error(t, err)
}
