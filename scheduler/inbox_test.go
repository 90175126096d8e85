package scheduler

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeEvent(t *testing.T, dir, name string, v any) string {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	tmp := filepath.Join(dir, "."+name)
	require.NoError(t, os.WriteFile(tmp, data, 0o600))
	path := filepath.Join(dir, name)
	require.NoError(t, os.Rename(tmp, path))
	return path
}

func readResult(t *testing.T, path string) map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestInbox_Scan(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	inbox, err := NewInbox(f.gateway, dir)
	require.NoError(t, err)

	writeEvent(t, dir, "001-ok.json", automationEvent("evt-1", "run-1"))
	dup := automationEvent("evt-1", "run-1")
	writeEvent(t, dir, "002-dup.json", dup)
	bad := automationEvent("evt-3", "run-3")
	bad.AutomationRequest = json.RawMessage(`{"automationId":"a","runId":"run-3"}`)
	writeEvent(t, dir, "003-bad.json", bad)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "004-garbage.json"), []byte("{not json"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	n, err := inbox.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	assert.FileExists(t, filepath.Join(dir, InboxProcessedDir, "001-ok.json"))
	res := readResult(t, filepath.Join(dir, InboxProcessedDir, "001-ok.result.json"))
	assert.Equal(t, "processed", res["status"])

	res = readResult(t, filepath.Join(dir, InboxRejectedDir, "002-dup.result.json"))
	assert.Equal(t, RejectDuplicate, res["rejectionCode"])

	res = readResult(t, filepath.Join(dir, InboxRejectedDir, "003-bad.result.json"))
	assert.Equal(t, "evt-3", res["eventId"])
	assert.Contains(t, res["error"], "automation.gateway.run@1")

	assert.FileExists(t, filepath.Join(dir, InboxRejectedDir, "004-garbage.json"))
	assert.FileExists(t, filepath.Join(dir, "notes.txt"))
	assert.Equal(t, 1, f.executorCalls())
}

func TestInbox_AssignsMissingEventID(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	inbox, err := NewInbox(f.gateway, dir)
	require.NoError(t, err)

	ev := automationEvent("", "run-1")
	path := writeEvent(t, dir, "evt.json", ev)
	require.NoError(t, inbox.HandleFile(context.Background(), path))

	res := readResult(t, filepath.Join(dir, InboxProcessedDir, "evt.result.json"))
	assert.NotEmpty(t, res["eventId"])

	// A file that is already gone is not an error.
	require.NoError(t, inbox.HandleFile(context.Background(), path))
}

func TestInbox_RuntimeFailureKeepsFile(t *testing.T) {
	f := newFixture(t, WithStateStore(failingProcessStore{NewMemoryStateStore()}))
	dir := t.TempDir()
	inbox, err := NewInbox(f.gateway, dir)
	require.NoError(t, err)

	path := writeEvent(t, dir, "evt.json", automationEvent("evt-1", "run-1"))
	require.Error(t, inbox.HandleFile(context.Background(), path))
	assert.FileExists(t, path)
}

func TestInbox_RunWatchesDirectory(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	inbox, err := NewInbox(f.gateway, dir)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- inbox.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	writeEvent(t, dir, "evt.json", automationEvent("evt-1", "run-1"))
	target := filepath.Join(dir, InboxProcessedDir, "evt.result.json")
	assert.Eventually(t, func() bool {
		_, err := os.Stat(target)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestInbox_IncompleteFileWaitsForSettle(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	inbox, err := NewInbox(f.gateway, dir, WithInboxSettle(time.Minute))
	require.NoError(t, err)

	empty := filepath.Join(dir, "001-empty.json")
	require.NoError(t, os.WriteFile(empty, nil, 0o600))
	data, err := json.Marshal(automationEvent("evt-2", "run-2"))
	require.NoError(t, err)
	partial := filepath.Join(dir, "002-partial.json")
	require.NoError(t, os.WriteFile(partial, data[:len(data)/2], 0o600))

	assert.ErrorIs(t, inbox.HandleFile(context.Background(), empty), ErrEventIncomplete)
	n, err := inbox.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.FileExists(t, empty)
	assert.FileExists(t, partial)

	// Finishing the write lets the next scan process it.
	require.NoError(t, os.WriteFile(partial, data, 0o600))
	n, err = inbox.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.FileExists(t, filepath.Join(dir, InboxProcessedDir, "002-partial.json"))

	// Once the settle window has passed an incomplete file is rejected.
	inbox.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	n, err = inbox.Scan(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	res := readResult(t, filepath.Join(dir, InboxRejectedDir, "001-empty.result.json"))
	assert.Contains(t, res["error"], "decode event")
}

func TestInbox_RunWaitsForSlowWriter(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	inbox, err := NewInbox(f.gateway, dir, WithInboxDebounce(10*time.Millisecond), WithInboxSettle(time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- inbox.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	data, err := json.Marshal(automationEvent("evt-1", "run-1"))
	require.NoError(t, err)
	file, err := os.Create(filepath.Join(dir, "010-live.json"))
	require.NoError(t, err)
	time.Sleep(100 * time.Millisecond)
	_, err = file.Write(data)
	require.NoError(t, err)
	require.NoError(t, file.Close())

	target := filepath.Join(dir, InboxProcessedDir, "010-live.result.json")
	assert.Eventually(t, func() bool {
		_, err := os.Stat(target)
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.NoFileExists(t, filepath.Join(dir, InboxRejectedDir, "010-live.json"))
	assert.Equal(t, 1, f.executorCalls())
}
