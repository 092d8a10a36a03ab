package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hyperengineering/offsync/internal/basestate"
	"github.com/hyperengineering/offsync/internal/queue"
	"github.com/hyperengineering/offsync/internal/store"
	"github.com/hyperengineering/offsync/internal/types"
)

// executeQueueCmd runs a queue subcommand against the SQLite store at dbPath.
func executeQueueCmd(t *testing.T, dbPath string, args ...string) (stdout, stderr string, err error) {
	t.Helper()

	// Cobra parses into package-level flags; reset them between runs.
	queueDBOverride = ""
	queueJSONOutput = false

	fullArgs := append([]string{"queue"}, args...)
	fullArgs = append(fullArgs, "--db", dbPath)

	outBuf := new(bytes.Buffer)
	errBuf := new(bytes.Buffer)
	rootCmd.SetOut(outBuf)
	rootCmd.SetErr(errBuf)
	rootCmd.SetArgs(fullArgs)

	err = rootCmd.Execute()

	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)
	rootCmd.SetArgs(nil)
	return outBuf.String(), errBuf.String(), err
}

// seedStore persists queued operations the way a stopped agent leaves them.
func seedStore(t *testing.T, ids ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "offsync.db")
	kv, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	defer kv.Close()

	ctx := context.Background()
	base := basestate.New(kv, nil)
	q := queue.New(kv, base, queue.Options{Now: func() time.Time { return time.Now().Add(-3 * time.Minute) }})
	for _, id := range ids {
		entity := "T-" + id
		base.Save(ctx, types.EntityKey("Task", entity), types.Fields{"id": entity, "version": 1}, true)
		if _, _, err := q.Enqueue(ctx, types.Operation{
			ID: id, Name: "updateTask", Kind: types.KindMutation,
			EntityType: "Task", EntityID: entity, Payload: types.Fields{"title": "offline"},
		}); err != nil {
			t.Fatalf("Enqueue %s: %v", id, err)
		}
	}
	return path
}

func TestQueueList_Table(t *testing.T) {
	path := seedStore(t, "op-1", "op-2")

	stdout, _, err := executeQueueCmd(t, path, "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(stdout), "\n")
	if len(lines) != 3 {
		t.Fatalf("stdout = %q, want header and 2 rows", stdout)
	}
	if !strings.HasPrefix(lines[1], "1 ") || !strings.Contains(lines[1], "op-1") {
		t.Errorf("first row = %q, want sequence 1 op-1", lines[1])
	}
	if !strings.Contains(lines[2], "Task:T-op-2") || !strings.Contains(lines[2], "pending") {
		t.Errorf("second row = %q", lines[2])
	}
	if !strings.Contains(lines[1], "minutes ago") {
		t.Errorf("row %q should carry a humanized age", lines[1])
	}
}

func TestQueueList_JSON(t *testing.T) {
	path := seedStore(t, "op-1", "op-2")

	stdout, _, err := executeQueueCmd(t, path, "list", "--json")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var out struct {
		Entries []struct {
			ID       string `json:"id"`
			Sequence int64  `json:"sequence"`
		} `json:"entries"`
		Total int `json:"total"`
	}
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("unmarshal %q: %v", stdout, err)
	}
	if out.Total != 2 || out.Entries[0].ID != "op-1" || out.Entries[1].Sequence != 2 {
		t.Errorf("output = %+v", out)
	}
}

func TestQueueList_Empty(t *testing.T) {
	path := seedStore(t)

	stdout, _, err := executeQueueCmd(t, path, "list")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Queue is empty.") {
		t.Errorf("stdout = %q", stdout)
	}
}

func TestQueueCancel_RemovesEntryAndBaseState(t *testing.T) {
	// Given a stopped agent's store with two queued operations
	path := seedStore(t, "op-1", "op-2")

	// When one is cancelled
	stdout, _, err := executeQueueCmd(t, path, "cancel", "op-1")

	// Then the store no longer holds it or its base state
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(stdout, "Cancelled op-1 (1 remaining)") {
		t.Errorf("stdout = %q", stdout)
	}

	kv, err := store.NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer kv.Close()
	entries, _, err := queue.ReadPersisted(context.Background(), kv, nil)
	if err != nil {
		t.Fatalf("ReadPersisted: %v", err)
	}
	if len(entries) != 1 || entries[0].Operation.ID != "op-2" {
		t.Errorf("remaining = %+v, want op-2", entries)
	}
	keys, _ := kv.Keys(context.Background(), basestate.KeyPrefix)
	for _, k := range keys {
		if strings.Contains(k, "T-op-1") {
			t.Errorf("base state %s left behind", k)
		}
	}
}

func TestQueueCancel_Unknown(t *testing.T) {
	path := seedStore(t, "op-1")

	_, _, err := executeQueueCmd(t, path, "cancel", "op-9")
	if err == nil || !strings.Contains(err.Error(), "not queued") {
		t.Errorf("err = %v, want not queued", err)
	}
}

func TestQueuedAge(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 15, 0, 0, 0, time.UTC)
	old := now
	now = func() time.Time { return fixed }
	defer func() { now = old }()

	if got := queuedAge(fixed.Add(-2 * time.Hour)); got != "2 hours ago" {
		t.Errorf("queuedAge = %q, want 2 hours ago", got)
	}
	if got := queuedAge(time.Time{}); got != "-" {
		t.Errorf("queuedAge(zero) = %q, want -", got)
	}
}
