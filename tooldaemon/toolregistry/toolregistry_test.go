package toolregistry_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/domeai/dome/tooldaemon/toolregistry"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestLoadManifestsReadsPerToolDirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "job-log", "manifest.yaml"), `
tool_id: job.log
version: "1"
title: Log emitter
short_description: emits lines
kind: sentinel
description: emits each input line as a log event
input_schema_ref: schemas/job.log.input.json
output_schema_ref: schemas/job.log.output.json
executor_backend: builtin
permissions: []
side_effects: []
`)
	reg, err := toolregistry.LoadManifests(dir)
	require.NoError(t, err)
	require.Equal(t, []string{"job.log"}, reg.ToolIDs())
	tool, err := reg.Get("job.log")
	require.NoError(t, err)
	require.Equal(t, "builtin", tool.ExecutorBackend)
}

func TestLoadManifestsRejectsMissingRequiredField(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "broken", "manifest.yaml"), `
tool_id: broken
version: "1"
`)
	_, err := toolregistry.LoadManifests(dir)
	require.Error(t, err)
}

func TestLoadSingleFileReadsConsolidatedRegistry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tool_registry.v1.json")
	writeFile(t, path, `{
		"version": "1",
		"tools": [{
			"tool_id": "job.noop",
			"version": "1",
			"title": "No-op",
			"short_description": "does nothing",
			"kind": "sentinel",
			"description": "succeeds trivially",
			"input_schema_ref": "schemas/noop.input.json",
			"output_schema_ref": "schemas/noop.output.json",
			"executor_backend": "builtin",
			"permissions": [],
			"side_effects": []
		}]
	}`)
	reg, err := toolregistry.LoadSingleFile(path)
	require.NoError(t, err)
	_, err = reg.Get("job.noop")
	require.NoError(t, err)
}

func TestGetUnknownToolReturnsErrToolNotFound(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tool_registry.v1.json")
	writeFile(t, path, `{"version":"1","tools":[{"tool_id":"t","version":"1","title":"t","short_description":"d","kind":"k","description":"d","input_schema_ref":"i","output_schema_ref":"o","executor_backend":"builtin"}]}`)
	reg, err := toolregistry.LoadSingleFile(path)
	require.NoError(t, err)
	_, err = reg.Get("missing")
	require.ErrorIs(t, err, toolregistry.ErrToolNotFound)
}

func TestLoadPrefersManifestsOverSingleFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "manifests", "job-log", "manifest.yaml"), `
tool_id: job.log
version: "1"
title: Log emitter
short_description: emits lines
kind: sentinel
description: emits each input line as a log event
input_schema_ref: schemas/job.log.input.json
output_schema_ref: schemas/job.log.output.json
executor_backend: builtin
`)
	singleFile := filepath.Join(dir, "tool_registry.v1.json")
	writeFile(t, singleFile, `{"version":"1","tools":[{"tool_id":"other","version":"1","title":"o","short_description":"o","kind":"k","description":"o","input_schema_ref":"i","output_schema_ref":"o","executor_backend":"builtin"}]}`)

	reg, err := toolregistry.Load(filepath.Join(dir, "manifests"), singleFile)
	require.NoError(t, err)
	require.Equal(t, []string{"job.log"}, reg.ToolIDs())
}

func TestValidateAgainstSchemaRejectsBadPayload(t *testing.T) {
	var schema any = map[string]any{
		"type":     "object",
		"required": []any{"lines"},
	}
	err := toolregistry.ValidateAgainstSchema(map[string]any{}, schema)
	require.Error(t, err)
}
