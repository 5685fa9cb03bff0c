package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	goruntime "runtime"
	"runtime/debug"
	"sort"
	"strings"
	"sync"

	"github.com/domeai/dome/checker"
	"github.com/domeai/dome/model"
)

// RunManifest is the run's self-describing receipt: what inputs produced
// it, what commands ran, what runtime produced it, and where every other
// artifact landed. It is the one document every entry point writes last.
type RunManifest struct {
	Version   string             `json:"version"`
	RunID     string             `json:"run_id"`
	Inputs    InputHashes        `json:"inputs"`
	Runtime   RuntimeFingerprint `json:"runtime"`
	Commands  []string           `json:"commands"`
	Budgets   model.Budgets      `json:"budgets"`
	Artifacts map[string]string  `json:"artifacts"`
}

// InputHashes is the sha256 of every document that deterministically
// shaped this run, so a manifest alone lets a reviewer confirm a replay
// used identical inputs without re-reading the originals.
type InputHashes struct {
	PreContractSHA256       string `json:"pre_contract_sha256,omitempty"`
	StateSpaceTemplateSHA256 string `json:"state_space_template_sha256,omitempty"`
	ReasonCodesSHA256       string `json:"reason_codes_sha256"`
	WorkQueueSHA256         string `json:"work_queue_sha256"`
}

// RuntimeFingerprint is the manifest's "produced by" line: repo commit,
// working-tree cleanliness, module build info, platform, and cwd. Computed
// once per process (computeRuntimeFingerprint memoizes via sync.Once) since
// none of it can change mid-run.
type RuntimeFingerprint struct {
	RepoCommitSHA string            `json:"repo_commit_sha"`
	Dirty         bool              `json:"dirty"`
	ToolVersions  map[string]string `json:"tool_versions"`
	Platform      string            `json:"platform"`
	CWD           string            `json:"cwd"`
}

var (
	fingerprintOnce   sync.Once
	memoizedFingerprint RuntimeFingerprint
)

// computeRuntimeFingerprint returns the process-wide runtime fingerprint,
// computing it once on first call. git metadata is best-effort: a failure
// (not a repo, no git binary) yields "unknown" rather than an error, since
// a manifest must still be produced outside a checkout.
func computeRuntimeFingerprint() RuntimeFingerprint {
	fingerprintOnce.Do(func() {
		memoizedFingerprint = RuntimeFingerprint{
			RepoCommitSHA: gitRevParseHEAD(),
			Dirty:         gitIsDirty(),
			ToolVersions:  toolVersions(),
			Platform:      goruntime.GOOS + "/" + goruntime.GOARCH,
			CWD:           cwdOrUnknown(),
		}
	})
	return memoizedFingerprint
}

func gitRevParseHEAD() string {
	out, err := exec.Command("git", "rev-parse", "HEAD").Output()
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(out))
}

func gitIsDirty() bool {
	out, err := exec.Command("git", "status", "--porcelain").Output()
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) != ""
}

func toolVersions() map[string]string {
	versions := map[string]string{"go": goruntime.Version()}
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return versions
	}
	versions["module"] = info.Main.Path
	if info.Main.Version != "" {
		versions["module_version"] = info.Main.Version
	}
	return versions
}

func cwdOrUnknown() string {
	wd, err := os.Getwd()
	if err != nil {
		return "unknown"
	}
	return wd
}

// sha256Bytes hashes raw content, as opposed to sha256Path which hashes the
// content of a file already written to disk.
func sha256Bytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sha256Path(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return sha256Bytes(data), nil
}

// reasonCodesSHA256 hashes the sorted reason-code catalog's codes joined by
// newlines, standing in for the on-disk reason-codes document the original
// tooling hashed: the catalog here is a versioned Go constant table
// (checker.ReasonCodeCatalog) rather than a loaded file, but a manifest
// consumer wants the same tamper-evidence guarantee either way.
func reasonCodesSHA256() string {
	codes := make([]string, 0, len(checker.ReasonCodeCatalog))
	for code := range checker.ReasonCodeCatalog {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	return sha256Bytes([]byte(strings.Join(codes, "\n")))
}

// buildAndWriteManifest assembles and atomically writes run.manifest.json
// into runDir, returning its path.
func buildAndWriteManifest(runDir string, manifest RunManifest) (string, error) {
	manifest.Version = "0.2.0"
	manifest.Runtime = computeRuntimeFingerprint()
	if manifest.Inputs.ReasonCodesSHA256 == "" {
		manifest.Inputs.ReasonCodesSHA256 = reasonCodesSHA256()
	}
	path := filepath.Join(runDir, "run.manifest.json")
	if err := writeJSON(path, manifest); err != nil {
		return "", err
	}
	return path, nil
}
