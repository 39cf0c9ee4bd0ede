package reconcile

import (
	"context"
	"fmt"

	"alarmsync/hmi"
	"alarmsync/logging"
)

// ProgressFunc is called before each step is applied.
type ProgressFunc func(i, n int, s Step)

// Apply executes steps in order against t. The context is checked before
// each step; once started a step runs to completion, so a created tag is
// never left without its alarm. On cancellation the counts of the steps
// already applied are returned with the context's error.
func Apply(ctx context.Context, t hmi.Target, steps []Step, progress ProgressFunc) (Counts, error) {
	var total Counts
	ids := make(map[int64]int64)
	opCtx := context.WithoutCancel(ctx)

	for i, st := range steps {
		if err := ctx.Err(); err != nil {
			logging.DebugLog("reconcile", "cancelled after %d of %d steps", i, len(steps))
			return total, err
		}
		if progress != nil {
			progress(i, len(steps), st)
		}
		if err := applyStep(opCtx, t, st, ids); err != nil {
			return total, fmt.Errorf("%s: %w", st.label(), err)
		}
		total.Add(st.Counts())
	}
	return total, nil
}

func applyStep(ctx context.Context, t hmi.Target, st Step, ids map[int64]int64) error {
	resolve := func(id int64) int64 {
		if actual, ok := ids[id]; ok && id < 0 {
			return actual
		}
		return id
	}

	for _, op := range st.Ops {
		var err error
		switch op.Kind {
		case OpCreateTable:
			err = t.CreateTagTable(ctx, op.Table)
		case OpCreateTag:
			tag := op.Tag
			tag.ID = 0
			var created hmi.Tag
			created, err = t.CreateTag(ctx, tag)
			if err == nil {
				ids[op.Tag.ID] = created.ID
			}
		case OpUpdateTag:
			tag := op.Tag
			tag.ID = resolve(tag.ID)
			err = t.UpdateTag(ctx, tag)
		case OpDeleteTag:
			err = t.DeleteTag(ctx, resolve(op.Tag.ID))
		case OpCreateAlarm:
			err = t.CreateAlarm(ctx, op.Alarm)
		case OpUpdateAlarm:
			err = t.UpdateAlarm(ctx, op.Alarm)
		case OpDeleteAlarm:
			err = t.DeleteAlarm(ctx, op.Alarm.Name)
		default:
			err = fmt.Errorf("unknown op %d", op.Kind)
		}
		if err != nil {
			return fmt.Errorf("%s: %w", op.Kind, err)
		}
		logging.DebugLog("reconcile", "%s %s", op.Kind, opSubject(op))
	}
	return nil
}

func opSubject(op Op) string {
	switch op.Kind {
	case OpCreateTable:
		return op.Table
	case OpCreateTag, OpUpdateTag, OpDeleteTag:
		return op.Tag.Name + " -> " + op.Tag.PlcTag
	default:
		return op.Alarm.Name
	}
}

// Sync plans against the target's current state and applies the plan.
func Sync(ctx context.Context, t hmi.Target, cands []Candidate, opts Options, progress ProgressFunc) (Counts, error) {
	snap, err := Load(ctx, t)
	if err != nil {
		return Counts{}, fmt.Errorf("load target: %w", err)
	}
	return Apply(ctx, t, Plan(snap, cands, opts), progress)
}
