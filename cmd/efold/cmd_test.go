package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/daviddao/eventfold/pkg/config"
	"github.com/daviddao/eventfold/pkg/logging"
	"github.com/daviddao/eventfold/pkg/model"
)

// --- envOr tests ---

func TestEnvOr_EnvSet(t *testing.T) {
	t.Setenv("TEST_EFOLD_ENV", "hello")
	if got := envOr("TEST_EFOLD_ENV", "default"); got != "hello" {
		t.Fatalf("envOr with set env: got %q, want %q", got, "hello")
	}
}

func TestEnvOr_EnvUnset(t *testing.T) {
	if got := envOr("TEST_EFOLD_UNSET_KEY_XYZ", "fallback"); got != "fallback" {
		t.Fatalf("envOr with unset env: got %q, want %q", got, "fallback")
	}
}

// --- resolveOwner tests ---

func TestResolveOwner_FlagValue(t *testing.T) {
	a := &app{cfg: &config.Config{Owner: "env-owner"}}
	got, err := a.resolveOwner("flag-owner")
	if err != nil || got != "flag-owner" {
		t.Fatalf("resolveOwner with flag: got %q, err=%v", got, err)
	}
}

func TestResolveOwner_ConfigFallback(t *testing.T) {
	a := &app{cfg: &config.Config{Owner: "cfg-owner"}}
	got, err := a.resolveOwner("")
	if err != nil || got != "cfg-owner" {
		t.Fatalf("resolveOwner with config: got %q, err=%v", got, err)
	}
}

func TestResolveOwner_NoOwner(t *testing.T) {
	a := &app{cfg: &config.Config{}}
	if _, err := a.resolveOwner(""); err == nil {
		t.Fatal("resolveOwner with no owner should return error")
	}
}

// --- newLogger tests ---

func TestNewLogger_RejectsBadLevel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "loud"
	if _, err := newLogger(cfg); err == nil {
		t.Fatal("expected error for unknown level")
	}
}

// --- output helpers ---

func TestShortID(t *testing.T) {
	if got := shortID("01J0000000000000000000000A"); got != "01J000000000" {
		t.Fatalf("shortID: got %q", got)
	}
	if got := shortID("abc"); got != "abc" {
		t.Fatalf("shortID of short id: got %q", got)
	}
}

func TestFileList_SortedByPath(t *testing.T) {
	files := map[string]model.FileState{
		"b.txt": model.NewFileState([]byte("bb")),
		"a.txt": model.NewFileState([]byte("a")),
	}
	got := fileList(files)
	if len(got) != 2 || got[0].Path != "a.txt" || got[1].Size != 2 {
		t.Fatalf("fileList: %+v", got)
	}
}

func TestPrintEvent_Kinds(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	root := model.Event{ID: "root", IsRoot: true, EventTimestamp: ts}
	change := model.Event{ID: "e1", Path: "a.txt", NewHash: "abcdef", ParentIDs: []string{"root"}, EventTimestamp: ts}
	merge := model.Event{ID: "m1", IsMerge: true, ParentIDs: []string{"e1", "e2"}, EventTimestamp: ts}

	if out := captureStdout(t, func() { printEvent(root) }); !strings.Contains(out, "root root") {
		t.Fatalf("root line: %q", out)
	}
	if out := captureStdout(t, func() { printEvent(change) }); !strings.Contains(out, "a.txt = abcdef <- root") {
		t.Fatalf("change line: %q", out)
	}
	if out := captureStdout(t, func() { printEvent(merge) }); !strings.Contains(out, "merge <- e1,e2") {
		t.Fatalf("merge line: %q", out)
	}
}

// --- command tests ---

func newTestApp(t *testing.T) *app {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Owner = "alice"
	cfg.Transport = config.TransportConfig{Type: config.TransportDir, Path: filepath.Join(dir, "share")}
	logger, err := logging.New(&logging.Config{Level: logging.LevelError, Writer: io.Discard})
	if err != nil {
		t.Fatalf("logging.New: %v", err)
	}
	a := &app{cfgPath: filepath.Join(dir, "config.toml"), cfg: cfg, logger: logger}
	t.Cleanup(a.Close)
	return a
}

func TestRun_UnknownCommand(t *testing.T) {
	a := newTestApp(t)
	var code int
	captureStderr(t, func() { code = a.run("frobnicate", nil) })
	if code != 1 {
		t.Fatalf("unknown command exit: got %d, want 1", code)
	}
}

func TestCommands_EndToEnd(t *testing.T) {
	a := newTestApp(t)

	if code := a.cmdInit(nil); code != 0 {
		t.Fatalf("init exit %d", code)
	}
	if _, err := os.Stat(a.cfgPath); err != nil {
		t.Fatalf("init should write config: %v", err)
	}

	out := captureStdout(t, func() {
		if code := a.cmdPropose([]string{"--content", "hello", "notes.md"}); code != 0 {
			t.Errorf("propose exit %d", code)
		}
	})
	if !strings.Contains(out, "notes.md") {
		t.Fatalf("propose output: %q", out)
	}

	out = captureStdout(t, func() {
		if code := a.cmdSync(nil); code != 0 {
			t.Errorf("sync exit %d", code)
		}
	})
	if !strings.Contains(out, "accepted=1") {
		t.Fatalf("sync output: %q", out)
	}

	out = captureStdout(t, func() {
		if code := a.cmdHead([]string{"--json"}); code != 0 {
			t.Errorf("head exit %d", code)
		}
	})
	var head model.Event
	if err := json.Unmarshal([]byte(out), &head); err != nil {
		t.Fatalf("head JSON: %v\n%s", err, out)
	}
	if head.Path != "notes.md" {
		t.Fatalf("head should be the accepted change, got %+v", head)
	}

	// Anchoring on the head with a wrong old hash is rejected.
	captureStdout(t, func() {
		code := a.cmdPropose([]string{"--parent", head.ID, "--old-hash", "bogus", "--content", "x", "notes.md"})
		if code != 0 {
			t.Errorf("propose exit %d", code)
		}
	})
	out = captureStdout(t, func() {
		if code := a.cmdSync(nil); code != 2 {
			t.Errorf("sync with rejection: exit %d, want 2", code)
		}
	})
	if !strings.Contains(out, "outdated") {
		t.Fatalf("sync should report the rejection: %q", out)
	}

	out = captureStdout(t, func() {
		if code := a.cmdCheckpoint(nil); code != 0 {
			t.Errorf("checkpoint exit %d", code)
		}
	})
	if !strings.Contains(out, "checkpoint written") {
		t.Fatalf("checkpoint output: %q", out)
	}
	out = captureStdout(t, func() {
		if code := a.cmdCheckpoint([]string{"--threshold", "5"}); code != 0 {
			t.Errorf("checkpoint --threshold exit %d", code)
		}
	})
	if !strings.Contains(out, "nothing to checkpoint") {
		t.Fatalf("threshold checkpoint output: %q", out)
	}
	out = captureStdout(t, func() {
		if code := a.cmdCompact(nil); code != 0 {
			t.Errorf("compact exit %d", code)
		}
	})
	if !strings.Contains(out, "no incrementals") {
		t.Fatalf("compact output: %q", out)
	}

	out = captureStdout(t, func() {
		if code := a.cmdStatus([]string{"--json", "--files"}); code != 0 {
			t.Errorf("status exit %d", code)
		}
	})
	var status struct {
		Status struct {
			Head    string `json:"head"`
			HasFull bool   `json:"has_full_checkpoint"`
		} `json:"status"`
		Files []fileInfo `json:"files"`
	}
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("status JSON: %v\n%s", err, out)
	}
	if status.Status.Head != head.ID || !status.Status.HasFull || len(status.Files) != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}

	out = captureStdout(t, func() {
		if code := a.cmdLog(nil); code != 0 {
			t.Errorf("log exit %d", code)
		}
	})
	if lines := strings.Count(out, "\n"); lines != 2 {
		t.Fatalf("log should list root and one change, got %d lines:\n%s", lines, out)
	}
}

func TestPropose_RequiresPath(t *testing.T) {
	a := newTestApp(t)
	var code int
	captureStderr(t, func() { code = a.cmdPropose(nil) })
	if code != 1 {
		t.Fatalf("propose without path: exit %d, want 1", code)
	}
}

func TestLog_BadSince(t *testing.T) {
	a := newTestApp(t)
	var code int
	captureStderr(t, func() { code = a.cmdLog([]string{"--since", "yesterday"}) })
	if code != 1 {
		t.Fatalf("log with bad --since: exit %d, want 1", code)
	}
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	fn()

	w.Close()
	os.Stdout = old
	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}

func captureStderr(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stderr
	r, w, _ := os.Pipe()
	os.Stderr = w

	fn()

	w.Close()
	os.Stderr = old
	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String()
}
