package binder_test

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/domeai/dome/binder"
)

// TestDeriveRowsFromTaskRowsIsIdempotentProperty verifies the idempotency
// law: deriving rows from the same task_fact set, under the same
// eligibility mode, any number of times, always produces byte-identical
// keys — a materializer that reruns over an already-processed run must
// never mint a second binder_fact row for the same fact.
func TestDeriveRowsFromTaskRowsIsIdempotentProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("deriving the same rows twice yields identical output", prop.ForAll(
		func(row taskRowInput) bool {
			rows := []binder.TaskRow{row.toTaskRow()}
			first := binder.DeriveRowsFromTaskRows(rows, binder.Strict)
			second := binder.DeriveRowsFromTaskRows(rows, binder.Strict)
			return reflect.DeepEqual(first, second)
		},
		genTaskRowInput(),
	))

	properties.Property("changing any fingerprinted field changes the derived keys", prop.ForAll(
		func(a, b taskRowInput) bool {
			rowA := a.toTaskRow()
			rowB := b.toTaskRow()
			derivedA := binder.DeriveRowsFromTaskRows([]binder.TaskRow{rowA}, binder.Lenient)
			derivedB := binder.DeriveRowsFromTaskRows([]binder.TaskRow{rowB}, binder.Lenient)
			if len(derivedA) != 1 || len(derivedB) != 1 {
				return false
			}
			// RunID and GroupID feed the idempotency key but not the upsert
			// key, so they are left out of the input comparison.
			keyA, keyB := rowA, rowB
			keyA.RunID, keyA.GroupID = "", ""
			keyB.RunID, keyB.GroupID = "", ""
			sameInput := keyA == keyB
			sameKey := derivedA[0].DerivedUpsertKey == derivedB[0].DerivedUpsertKey
			// Two inputs differing in an upsert-key field should (with
			// overwhelming probability) mint distinct keys; inputs equal in
			// those fields must mint the same key.
			return sameInput == sameKey
		},
		genTaskRowInput(),
		genTaskRowInput(),
	))

	properties.TestingRun(t)
}

// taskRowInput is a plain, comparable mirror of binder.TaskRow so gopter
// can generate it and the test can compare inputs with ==.
type taskRowInput struct {
	RunID, TaskID, GroupID, Status, FailureReasonCode, PolicyReasonCode, WorkerModel string
	Attempts                                                                        int
	DurationMS                                                                      int64
}

func (r taskRowInput) toTaskRow() binder.TaskRow {
	return binder.TaskRow{
		RunID: r.RunID, TaskID: r.TaskID, GroupID: r.GroupID, Status: r.Status,
		FailureReasonCode: r.FailureReasonCode, PolicyReasonCode: r.PolicyReasonCode,
		Attempts: r.Attempts, DurationMS: r.DurationMS, WorkerModel: r.WorkerModel,
	}
}

func genTaskRowInput() gopter.Gen {
	return gopter.CombineGens(
		gen.AlphaString(), gen.AlphaString(), gen.AlphaString(),
		gen.OneConstOf("PASS", "FAIL"),
		gen.OneConstOf("", "EXEC.NONZERO_EXIT", "VERIFY.TEST_FAILURE"),
		gen.OneConstOf("", "POLICY.NEEDS_HUMAN"),
		gen.AlphaString(),
		gen.IntRange(0, 5),
		gen.Int64Range(0, 10000),
	).Map(func(vals []any) taskRowInput {
		return taskRowInput{
			RunID: vals[0].(string), TaskID: vals[1].(string), GroupID: vals[2].(string),
			Status: vals[3].(string), FailureReasonCode: vals[4].(string), PolicyReasonCode: vals[5].(string),
			WorkerModel: vals[6].(string), Attempts: vals[7].(int), DurationMS: vals[8].(int64),
		}
	})
}
