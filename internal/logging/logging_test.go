package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		hasError bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.hasError && err == nil {
				t.Error("expected error, got nil")
			}
			if !test.hasError && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
			if !test.hasError && level != test.expected {
				t.Errorf("expected %v, got %v", test.expected, level)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	for _, lv := range []Level{LevelDebug, LevelInfo, LevelWarn, LevelError} {
		back, err := ParseLevel(LevelString(lv))
		if err != nil || back != lv {
			t.Errorf("level %v did not survive a round trip: %v %v", lv, back, err)
		}
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat("json"); err != nil || f != FormatJSON {
		t.Errorf("json: got %v %v", f, err)
	}
	if f, err := ParseFormat(""); err != nil || f != FormatText {
		t.Errorf("empty: got %v %v", f, err)
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Error("expected error for xml")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Level != LevelInfo {
		t.Errorf("expected default level Info, got %v", cfg.Level)
	}
	if cfg.Output != "stderr" {
		t.Errorf("expected default output stderr, got %s", cfg.Output)
	}
	if cfg.MaxSize <= 0 || cfg.MaxAge <= 0 || cfg.MaxBackups <= 0 {
		t.Errorf("expected positive rotation limits, got %+v", cfg)
	}
	if !strings.HasSuffix(cfg.FilePath, "ctxtd.log") {
		t.Errorf("unexpected default path %s", cfg.FilePath)
	}
}

func newBufferLogger(t *testing.T, format Format) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l, err := New(&Config{Level: LevelInfo, Format: format, Component: "test", Writer: &buf})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return l, &buf
}

func TestJSONRecordCarriesAttributes(t *testing.T) {
	l, buf := newBufferLogger(t, FormatJSON)

	l.WithConnection(7).WithDocument("notes").Info("joined", "nickname", "alice")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("record is not JSON: %v (%s)", err, buf.String())
	}
	if rec["msg"] != "joined" {
		t.Errorf("msg = %v", rec["msg"])
	}
	if rec["conn"] != float64(7) {
		t.Errorf("conn = %v", rec["conn"])
	}
	if rec["doc"] != "notes" {
		t.Errorf("doc = %v", rec["doc"])
	}
	if rec["component"] != "test" {
		t.Errorf("component = %v", rec["component"])
	}
}

func TestRedaction(t *testing.T) {
	l, buf := newBufferLogger(t, FormatText)

	l.Info("journal opened", "dsn", "postgres://u:hunter2@db/ctxt", "driver", "postgres")

	out := buf.String()
	if strings.Contains(out, "hunter2") {
		t.Errorf("dsn leaked: %s", out)
	}
	if !strings.Contains(out, "driver=postgres") {
		t.Errorf("driver missing: %s", out)
	}
}

func TestShouldRedact(t *testing.T) {
	tests := []struct {
		key      string
		expected bool
	}{
		{"password", true},
		{"REDIS_PASSWORD", true},
		{"dsn", true},
		{"journal_dsn", true},
		{"token", true},
		{"nickname", false},
		{"doc", false},
		{"conn", false},
	}

	for _, test := range tests {
		t.Run(test.key, func(t *testing.T) {
			if got := shouldRedact(test.key); got != test.expected {
				t.Errorf("shouldRedact(%q) = %v, expected %v", test.key, got, test.expected)
			}
		})
	}
}

func TestSetLevelReachesDerivedLoggers(t *testing.T) {
	l, buf := newBufferLogger(t, FormatText)
	child := l.WithComponent("authority")

	child.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug record written at info level: %s", buf.String())
	}

	l.SetLevel(LevelDebug)
	child.Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("derived logger ignored level change: %q", buf.String())
	}
	if child.Level() != LevelDebug {
		t.Errorf("child level = %v", child.Level())
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	l.Error("nothing")
	if err := l.Close(); err != nil {
		t.Errorf("close: %v", err)
	}
}

func TestFileRotator(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "ctxtd.log")

	rotator, err := NewFileRotator(&Config{FilePath: logPath, MaxSize: 1, MaxAge: 7, MaxBackups: 3})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	defer rotator.Close()

	line := []byte("insert applied\n")
	n, err := rotator.Write(line)
	if err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	if n != len(line) {
		t.Errorf("expected to write %d bytes, wrote %d", len(line), n)
	}
	if err := rotator.Sync(); err != nil {
		t.Errorf("sync failed: %v", err)
	}
	if _, err := os.Stat(logPath); err != nil {
		t.Errorf("log file missing: %v", err)
	}
}

func TestFileRotatorRollsOverOnSize(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "ctxtd.log")

	rotator, err := NewFileRotator(&Config{FilePath: logPath, MaxSize: 1, MaxBackups: 10})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	defer rotator.Close()

	chunk := bytes.Repeat([]byte("x"), 600*1024)
	for i := 0; i < 2; i++ {
		if _, err := rotator.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	backups, err := rotator.Backups()
	if err != nil {
		t.Fatalf("backups: %v", err)
	}
	if len(backups) != 1 {
		t.Errorf("expected one rotated file, got %v", backups)
	}

	info, err := os.Stat(logPath)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != int64(len(chunk)) {
		t.Errorf("current file holds %d bytes, want %d", info.Size(), len(chunk))
	}
}

func TestFileRotatorRollsOverOnDayChange(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "ctxtd.log")

	rotator, err := NewFileRotator(&Config{FilePath: logPath, MaxSize: 100, MaxBackups: 10})
	if err != nil {
		t.Fatalf("failed to create rotator: %v", err)
	}
	defer rotator.Close()

	rotator.Write([]byte("day one\n"))
	tomorrow := time.Now().Add(24 * time.Hour)
	rotator.mu.Lock()
	rotator.now = func() time.Time { return tomorrow }
	rotator.mu.Unlock()
	rotator.Write([]byte("day two\n"))

	data, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != "day two\n" {
		t.Errorf("current file = %q", data)
	}
}
