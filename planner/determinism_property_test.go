package planner_test

import (
	"reflect"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/domeai/dome/model"
	"github.com/domeai/dome/planner"
)

// TestPlanIsDeterministicProperty verifies the determinism law: planning
// the same pre-contract twice, for any packet id / base ref / worker cap /
// verify presence, always produces an identical work queue — the planner
// carries no hidden state or clock dependency.
func TestPlanIsDeterministicProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("planning the same pre-contract twice yields identical queues", prop.ForAll(
		func(packetID, baseRef string, maxWorkers int, hasVerify bool) bool {
			if packetID == "" {
				return true
			}
			pc := model.PreContract{
				PacketID: packetID,
				BaseRef:  baseRef,
				PlanCard: model.PlanCard{What: "do the thing"},
			}
			if hasVerify {
				pc.Actions.Test = "go test ./..."
			}

			first, err1 := planner.Plan(pc, maxWorkers)
			second, err2 := planner.Plan(pc, maxWorkers)
			if (err1 == nil) != (err2 == nil) {
				return false
			}
			if err1 != nil {
				return true
			}
			return reflect.DeepEqual(first, second)
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.IntRange(-2, 8),
		gen.Bool(),
	))

	properties.Property("the verify task is present exactly when the pre-contract names one", prop.ForAll(
		func(packetID string, hasVerify bool) bool {
			if packetID == "" {
				return true
			}
			pc := model.PreContract{PacketID: packetID, BaseRef: "main", PlanCard: model.PlanCard{What: "x"}}
			if hasVerify {
				pc.Actions.Test = "make verify"
			}
			wq, err := planner.Plan(pc, 1)
			if err != nil {
				return false
			}
			want := 2
			if hasVerify {
				want = 3
			}
			return len(wq.Tasks) == want
		},
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
