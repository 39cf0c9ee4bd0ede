package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"alarmsync/classify"
	"alarmsync/config"
	"alarmsync/hmi"
	"alarmsync/logging"
	"alarmsync/notify"
	"alarmsync/project"
	"alarmsync/reconcile"
	"alarmsync/selection"
	"alarmsync/simaticml"
)

// run is the per-run context. It is built when a run starts and dropped
// when it ends; nothing in it outlives the run.
type run struct {
	e        *Engine
	id       string
	settings config.Settings
	workDir  string
	project  *project.Project
	index    *selection.Index
	notes    *notify.Notifier
	report   *Report
}

// Run parses textual selection refs and runs them.
func (e *Engine) Run(ctx context.Context, refs []string) (*Report, error) {
	sels, err := selection.ParseAll(refs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return e.RunSelections(ctx, sels)
}

// RunSelections resolves sels into triples and reconciles each one. Per-block
// failures are reported and skipped. The returned error is non-nil only when
// the run could not start or was cancelled; the report is returned in both
// cases once the run has started.
func (e *Engine) RunSelections(ctx context.Context, sels []selection.Selection) (*Report, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer e.running.Store(false)

	refs := make([]string, len(sels))
	for i, s := range sels {
		refs[i] = s.String()
	}
	r := &run{
		e:        e,
		id:       uuid.NewString(),
		settings: e.cfg.GetSettings(),
		workDir:  e.cfg.WorkDirectory(),
		notes:    e.notifier(),
	}
	r.report = &Report{ID: r.id, Selections: refs, DryRun: e.dryRun, Started: time.Now()}
	e.emit(EventRunStarted, RunEvent{ID: r.id, Selections: refs})
	logging.DebugLog("engine", "run %s started: %v (dry-run=%v)", r.id, refs, e.dryRun)

	err := r.execute(ctx, sels)

	rep := r.report
	rep.Finished = time.Now()
	if err != nil {
		rep.Error = err.Error()
		rep.Cancelled = errors.Is(err, ErrCancelled)
	}

	e.lastMu.Lock()
	e.last = rep
	e.lastMu.Unlock()

	e.publishReport(rep)
	e.emit(EventRunFinished, RunEvent{ID: r.id, Selections: refs, Report: rep})
	logging.DebugLog("engine", "run %s finished in %v: %d triples, %d failed, err=%v",
		r.id, rep.Finished.Sub(rep.Started), len(rep.Triples), rep.Failed, err)
	return rep, err
}

func (r *run) execute(ctx context.Context, sels []selection.Selection) error {
	e := r.e
	if e.ws == nil || e.store == nil {
		r.notes.Errorf("No active project")
		return ErrNoActiveProject
	}
	p, err := e.ws.Project(ctx)
	if err != nil {
		if isCancel(err) {
			return r.cancelled()
		}
		r.notes.Errorf("No active project: %v", err)
		return fmt.Errorf("%w: %v", ErrNoActiveProject, err)
	}
	r.project = p
	r.index = selection.NewIndex(p)

	res, err := selection.NewResolver(r.index, r.settings.BlockExtension).Resolve(ctx, sels)
	if err != nil {
		if isCancel(err) {
			return r.cancelled()
		}
		r.notes.Errorf("Invalid selection: %v", err)
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	for _, notice := range res.Notices {
		r.notes.Infof("%s", notice)
	}
	r.report.Notices = res.Notices

	n := len(res.Triples)
	for i, t := range res.Triples {
		if err := ctx.Err(); err != nil {
			return r.cancelled()
		}
		r.progress(fmt.Sprintf("Build alarms from %s (%d/%d)", t.Block.Name, i+1, n))

		result, err := r.syncTriple(ctx, t)
		r.report.add(result)
		e.emit(EventTripleFinished, TripleEvent{RunID: r.id, Result: result})
		if isCancel(err) {
			return r.cancelled()
		}
	}

	if n > 0 {
		r.notes.Successf("Build alarms ended")
	}
	return nil
}

func (r *run) cancelled() error {
	r.notes.Infof("Cancelled by user")
	return ErrCancelled
}

func (r *run) progress(text string) {
	logging.DebugLog("engine", "%s", text)
	r.e.emit(EventProgress, ProgressEvent{RunID: r.id, Text: text})
}

// syncTriple reconciles one block into one HMI. Errors other than
// cancellation are reported through the notifier and recorded in the
// result; the run goes on with the next triple.
func (r *run) syncTriple(ctx context.Context, t selection.Triple) (res TripleResult, err error) {
	start := time.Now()
	res = newTripleResult(t)
	r.e.emit(EventTripleStarted, TripleEvent{RunID: r.id, Result: res})
	defer func() {
		res.Duration = time.Since(start)
		switch {
		case err == nil:
		case isCancel(err):
			res.Cancelled = true
		default:
			res.Error = err.Error()
			r.notes.For(notify.Error, t.HMI.Name, t.Block.Name, "%s: %v", t.Block.Name, err)
			logging.DebugLog("engine", "triple %s failed: %v", t, err)
		}
	}()

	block := t.Block
	if !reconcile.Eligible(block.Name, r.settings.BlockExtension) {
		res.Skipped = true
		r.notes.For(notify.Info, t.HMI.Name, block.Name, "%s is not a %s block, skipped", block.Name, r.settings.BlockExtension)
		return res, nil
	}
	r.notes.For(notify.Info, t.HMI.Name, block.Name, "Extracting alarms from %s", block.Name)

	iface, err := r.exportInterface(ctx, block)
	if err != nil {
		return res, err
	}

	sess, err := r.e.store.Begin(ctx, t.HMI.Name)
	if err != nil {
		return res, fmt.Errorf("open %s: %w", t.HMI.Name, err)
	}
	committed := false
	defer func() {
		if !committed {
			sess.Rollback()
		}
	}()

	if err := hmi.Seed(ctx, sess, t.HMI.AlarmClasses, t.HMI.AllTagTables()); err != nil {
		return res, fmt.Errorf("seed %s: %w", t.HMI.Name, err)
	}
	classes, err := sess.AlarmClasses(ctx)
	if err != nil {
		return res, fmt.Errorf("alarm classes of %s: %w", t.HMI.Name, err)
	}

	langs := r.project.Languages()
	opts := reconcile.Options{
		Block:       block.Name,
		Marker:      r.settings.BlockExtension,
		Simplify:    r.settings.SimplifyTagname,
		Connection:  t.Connection,
		Folder:      t.Folder,
		Languages:   langs,
		KnownBlocks: r.index.BlockNames(t.PLC),
		Prune:       r.settings.PruneOrphans,
	}
	cls := classify.New(classes, r.settings.DefaultAlarmClass, langs)
	cands, err := reconcile.BuildCandidates(iface, cls, opts)
	if err != nil {
		return res, err
	}
	res.Candidates = len(cands)

	counts, syncErr := reconcile.Sync(ctx, sess, cands, opts, func(i, n int, _ reconcile.Step) {
		r.progress(fmt.Sprintf("Build alarms from %s (%d/%d)", block.Name, i+1, n))
	})
	if syncErr != nil && !isCancel(syncErr) {
		return res, syncErr
	}

	// Steps applied before a cancellation are kept.
	if err := r.finish(sess); err != nil {
		return res, err
	}
	committed = true
	res.Counts = counts

	if syncErr != nil {
		return res, syncErr
	}
	r.notes.For(notify.Success, t.HMI.Name, block.Name, "Alarms updated for %s on %s (%d changes)",
		block.Name, t.HMI.Name, counts.Changes())
	return res, nil
}

// finish commits the session, or rolls it back on a dry run.
func (r *run) finish(sess hmi.Session) error {
	if r.e.dryRun {
		return sess.Rollback()
	}
	if err := sess.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// exportInterface makes sure the block is compiled, exports its interface
// document to the work directory, parses it and removes the export.
func (r *run) exportInterface(ctx context.Context, b *project.Block) (*simaticml.Interface, error) {
	ws := r.e.ws
	if !ws.Consistent(b) {
		r.progress(fmt.Sprintf("Compiling %s", b.Name))
		if err := ws.Compile(ctx, b); err != nil {
			if isCancel(err) {
				return nil, err
			}
			return nil, &BlockNotCompilableError{Block: b.Name, Err: err}
		}
	}

	dest := filepath.Join(r.workDir, b.Name+".xml")
	if err := ws.ExportInterface(ctx, b, dest); err != nil {
		return nil, err
	}
	defer os.Remove(dest)

	iface, err := simaticml.ParseFile(dest)
	if err != nil {
		return nil, err
	}
	return iface, nil
}

func isCancel(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrCancelled)
}
