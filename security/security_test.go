package security_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/domeai/dome/security"
)

func TestAssertRuntimePathRejectsAbsolute(t *testing.T) {
	_, err := security.AssertRuntimePath("/etc/passwd", "/root", "test")
	require.Error(t, err)
}

func TestAssertRuntimePathRejectsTraversal(t *testing.T) {
	_, err := security.AssertRuntimePath("../../etc/passwd", "/root", "test")
	require.Error(t, err)
}

func TestAssertRuntimePathAcceptsRelative(t *testing.T) {
	resolved, err := security.AssertRuntimePath("run-1/summary.json", "/root", "test")
	require.NoError(t, err)
	require.Equal(t, filepath.Join("/root", "ops", "runtime", "run-1", "summary.json"), resolved)
}

func TestRedactScrubsSensitiveKeys(t *testing.T) {
	in := map[string]any{
		"api_key": "sk-live-abc123",
		"nested":  map[string]any{"password": "hunter2", "ok": "fine"},
		"note":    "token=abcdef123 rest of message",
	}
	out := security.Redact(in).(map[string]any)
	require.Equal(t, "[REDACTED]", out["api_key"])
	nested := out["nested"].(map[string]any)
	require.Equal(t, "[REDACTED]", nested["password"])
	require.Equal(t, "fine", nested["ok"])
	require.Contains(t, out["note"], "token=[REDACTED]")
}

func TestAtomicWriteFileIsAllOrNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "summary.json")
	require.NoError(t, security.AtomicWriteFile(path, []byte(`{"ok":true}`), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.JSONEq(t, `{"ok":true}`, string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1, "no stray temp file should remain after a successful atomic write")
}
