package binder_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/domeai/dome/binder"
)

func TestDeriveRowsFromTaskRowsStrictSkipsPassingRows(t *testing.T) {
	rows := []binder.TaskRow{
		{RunID: "r1", TaskID: "r1-t1", Status: "PASS"},
		{RunID: "r1", TaskID: "r1-t2", Status: "FAIL", FailureReasonCode: "EXEC.NONZERO_EXIT"},
	}
	derived := binder.DeriveRowsFromTaskRows(rows, binder.Strict)
	require.Len(t, derived, 1)
	require.Equal(t, "r1-t2", derived[0].TaskID)
}

func TestDeriveRowsFromTaskRowsLenientKeepsEverything(t *testing.T) {
	rows := []binder.TaskRow{
		{RunID: "r1", TaskID: "r1-t1", Status: "PASS"},
		{RunID: "r1", TaskID: "r1-t2", Status: "FAIL"},
	}
	derived := binder.DeriveRowsFromTaskRows(rows, binder.Lenient)
	require.Len(t, derived, 2)
}

func TestDeriveRowsFromTaskRowsPolicyReasonCodeIsEligible(t *testing.T) {
	rows := []binder.TaskRow{
		{RunID: "r1", TaskID: "r1-t1", Status: "PASS", PolicyReasonCode: "POLICY.NEEDS_HUMAN"},
	}
	derived := binder.DeriveRowsFromTaskRows(rows, binder.Hybrid)
	require.Len(t, derived, 1)
}

func TestDeriveRowsFromTaskRowsKeysAreDeterministic(t *testing.T) {
	row := binder.TaskRow{RunID: "r1", TaskID: "r1-t2", GroupID: "g1", Status: "FAIL", FailureReasonCode: "EXEC.NONZERO_EXIT", Attempts: 2, DurationMS: 500}
	first := binder.DeriveRowsFromTaskRows([]binder.TaskRow{row}, binder.Strict)
	second := binder.DeriveRowsFromTaskRows([]binder.TaskRow{row}, binder.Strict)
	require.Equal(t, first, second)
	require.NotEmpty(t, first[0].IdempotencyKey)
	require.NotEmpty(t, first[0].DerivedUpsertKey)
	require.NotEmpty(t, first[0].Fingerprint)
}

func TestDeriveRowsFromTaskRowsFingerprintChangesWithOutcome(t *testing.T) {
	base := binder.TaskRow{RunID: "r1", TaskID: "r1-t2", Status: "FAIL", FailureReasonCode: "EXEC.NONZERO_EXIT", Attempts: 1}
	changed := base
	changed.Attempts = 2

	derivedBase := binder.DeriveRowsFromTaskRows([]binder.TaskRow{base}, binder.Strict)
	derivedChanged := binder.DeriveRowsFromTaskRows([]binder.TaskRow{changed}, binder.Strict)

	require.NotEqual(t, derivedBase[0].Fingerprint, derivedChanged[0].Fingerprint)
	require.NotEqual(t, derivedBase[0].DerivedUpsertKey, derivedChanged[0].DerivedUpsertKey)
	require.Equal(t, derivedBase[0].IdempotencyKey, derivedChanged[0].IdempotencyKey)
}
