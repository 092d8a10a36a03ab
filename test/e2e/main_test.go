package e2e

import (
	"os"
	"os/exec"
	"testing"
)

var offsyncBin string

func TestMain(m *testing.M) {
	offsyncBin = envOrLookPath("OFFSYNC_BIN", "offsync")
	os.Exit(m.Run())
}

func envOrLookPath(envVar, name string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	if path, err := exec.LookPath(name); err == nil {
		return path
	}
	return ""
}

func requireOffsync(t *testing.T) {
	t.Helper()
	if offsyncBin == "" {
		t.Skip("offsync binary not available (set OFFSYNC_BIN or add to PATH)")
	}
}
