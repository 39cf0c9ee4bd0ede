package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

func TestNewFileLogger(t *testing.T) {
	tmpDir := t.TempDir()

	t.Run("creates new file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "test1.log")
		logger, err := NewFileLogger(path)
		if err != nil {
			t.Fatalf("NewFileLogger failed: %v", err)
		}
		defer logger.Close()

		if _, err := os.Stat(path); os.IsNotExist(err) {
			t.Error("log file was not created")
		}
	})

	t.Run("appends to existing file", func(t *testing.T) {
		path := filepath.Join(tmpDir, "test2.log")
		if err := os.WriteFile(path, []byte("existing content\n"), 0644); err != nil {
			t.Fatalf("failed to create test file: %v", err)
		}

		logger, err := NewFileLogger(path)
		if err != nil {
			t.Fatalf("NewFileLogger failed: %v", err)
		}
		logger.Log("alarms updated for %s", "Line1_Defauts")
		logger.Close()

		content, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("failed to read file: %v", err)
		}
		if !strings.Contains(string(content), "existing content") {
			t.Error("existing content was overwritten")
		}
		if !strings.Contains(string(content), "alarms updated for Line1_Defauts") {
			t.Error("new content was not appended")
		}
	})

	t.Run("returns error for invalid path", func(t *testing.T) {
		if _, err := NewFileLogger("/nonexistent/directory/file.log"); err == nil {
			t.Error("expected error for invalid path")
		}
	})
}

func TestFileLogger_Mirror(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror.log")
	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	defer logger.Close()

	var buf bytes.Buffer
	logger.SetMirror(&buf)
	logger.Log("hello %d", 1)

	if !strings.Contains(buf.String(), "hello 1") {
		t.Errorf("mirror did not receive line: %q", buf.String())
	}
}

func TestFileLogger_CloseTwiceAndNil(t *testing.T) {
	logger, err := NewFileLogger(filepath.Join(t.TempDir(), "c.log"))
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("first Close failed: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	logger.Log("after close") // must not panic

	var nilLogger *FileLogger
	nilLogger.Log("ignored")
	if err := nilLogger.Close(); err != nil {
		t.Errorf("nil Close returned %v", err)
	}
}

func TestFileLogger_Concurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	logger, err := NewFileLogger(path)
	if err != nil {
		t.Fatalf("NewFileLogger failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Log("message from goroutine %d", n)
		}(i)
	}
	wg.Wait()
	logger.Close()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	if len(lines) != 100 {
		t.Errorf("expected 100 lines, got %d", len(lines))
	}
}

func TestDebugLogger_Filter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	logger, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger failed: %v", err)
	}

	logger.SetFilter("reconcile")
	logger.Log("reconcile", "planned %d steps", 3)
	logger.Log("classify", "class %s", "Critical")
	logger.Log("mqtt", "should be filtered")
	logger.Close()

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read file: %v", err)
	}
	s := string(content)
	if !strings.Contains(s, "[reconcile] planned 3 steps") {
		t.Error("missing reconcile line")
	}
	if !strings.Contains(s, "[classify] class Critical") {
		t.Error("classify should be enabled together with reconcile")
	}
	if strings.Contains(s, "should be filtered") {
		t.Error("mqtt line should have been filtered")
	}
}

func TestDebugLog_Global(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	logger, err := NewDebugLogger(path)
	if err != nil {
		t.Fatalf("NewDebugLogger failed: %v", err)
	}
	SetGlobalDebugLogger(logger)
	defer SetGlobalDebugLogger(nil)

	logger.SetFilter("all")
	DebugLog("engine", "run %s", "started")
	logger.Close()

	content, _ := os.ReadFile(path)
	if !strings.Contains(string(content), "[engine] run started") {
		t.Errorf("global DebugLog did not write: %s", content)
	}
}
