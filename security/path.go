// Package security provides the run pipeline's path guards, secret
// redaction, and atomic write helper. The pipeline's JSON run artifacts are
// written with AtomicWriteFile; the event log and promotion ledger are
// appended to directly. No non-test code in this module calls
// AssertRuntimePath.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// AssertRuntimePath rejects an absolute path, a path containing a parent
// traversal segment, or a path that does not resolve under
// <root>/ops/runtime. label is used only to make the error identify which
// caller rejected the path.
func AssertRuntimePath(p, root, label string) (string, error) {
	if filepath.IsAbs(p) {
		return "", fmt.Errorf("%s: path %q must not be absolute", label, p)
	}
	for _, seg := range strings.Split(filepath.ToSlash(p), "/") {
		if seg == ".." {
			return "", fmt.Errorf("%s: path %q must not traverse to a parent directory", label, p)
		}
	}
	runtimeRoot := filepath.Join(root, "ops", "runtime")
	resolved := filepath.Join(runtimeRoot, p)
	rel, err := filepath.Rel(runtimeRoot, resolved)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%s: path %q does not resolve under %s", label, p, runtimeRoot)
	}
	return resolved, nil
}
