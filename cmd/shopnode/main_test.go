package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRunClosesLogOnFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	dir := t.TempDir()
	logFile := filepath.Join(dir, "logs", "node.log")
	cfg := fmt.Sprintf(`
node:
  id: node-a
http:
  addr: %s
database:
  driver: sqlite
  url: %s
catalog:
  dir: %s
relay:
  kind: none
log:
  level: info
  file: %s
`, busy.Addr(), filepath.Join(dir, "shop.db"), filepath.Join(dir, "shops"), logFile)
	path := filepath.Join(dir, "node.yml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if code := run(context.Background(), path); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
	raw, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(raw), `"msg":"node stopped"`) {
		t.Fatalf("log file missing failure line:\n%s", raw)
	}
}

func TestRunRejectsBadConfig(t *testing.T) {
	if code := run(context.Background(), filepath.Join(t.TempDir(), "missing.yml")); code != 1 {
		t.Fatalf("exit code = %d, want 1", code)
	}
}
