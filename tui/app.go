package tui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"alarmsync/config"
	"alarmsync/engine"
	"alarmsync/logging"
)

// Backend is what the console needs from the engine.
type Backend interface {
	Settings() config.Settings
	UpdateSettings(config.Settings) error
	Run(ctx context.Context, refs []string) (*engine.Report, error)
}

// App is the settings dialog with a run console underneath.
type App struct {
	app       *tview.Application
	backend   Backend
	form      *tview.Form
	runForm   *tview.Form
	logView   *tview.TextView
	statusBar *tview.TextView

	messages   []string
	mu         sync.Mutex
	maxLines   int
	fileLogger *logging.FileLogger

	runMu  sync.Mutex
	cancel context.CancelFunc

	running  atomic.Bool
	stopChan chan struct{}
}

// NewApp creates the console for b.
func NewApp(b Backend) *App {
	return newApp(b, tview.NewApplication())
}

// NewAppWithScreen creates the console on the given screen.
func NewAppWithScreen(b Backend, screen tcell.Screen) *App {
	return newApp(b, tview.NewApplication().SetScreen(screen))
}

func newApp(b Backend, app *tview.Application) *App {
	a := &App{
		app:      app,
		backend:  b,
		maxLines: 1000,
		stopChan: make(chan struct{}),
	}
	a.setupUI()
	return a
}

func (a *App) setupUI() {
	th := CurrentTheme

	a.form = tview.NewForm()
	a.form.SetBorder(true).SetTitle(" Settings ").SetBorderColor(th.Border).SetTitleColor(th.Accent)
	a.form.SetFieldBackgroundColor(th.FieldBg)
	a.form.AddInputField(LabelBlockExtension, "", 24, nil, nil)
	a.form.AddInputField(LabelDefaultClass, "", 24, nil, nil)
	a.form.AddCheckbox(LabelSimplify, false, nil)
	a.form.AddCheckbox(LabelPrune, false, nil)
	a.form.AddButton("Save", func() {
		if err := a.saveSettings(); err != nil {
			a.setStatus(th.TagError + err.Error() + th.TagReset)
			return
		}
		a.setStatus(th.TagSuccess + "Settings saved" + th.TagReset)
	})
	a.form.AddButton("Reset", a.loadSettings)
	a.loadSettings()

	a.runForm = tview.NewForm()
	a.runForm.SetBorder(true).SetTitle(" Build alarms ").SetBorderColor(th.Border).SetTitleColor(th.Accent)
	a.runForm.SetFieldBackgroundColor(th.FieldBg)
	a.runForm.AddInputField(LabelSelections, "", 60, nil, nil)
	a.runForm.AddButton("Run", func() {
		refs := parseRefs(a.runForm.GetFormItemByLabel(LabelSelections).(*tview.InputField).GetText())
		if len(refs) == 0 {
			a.setStatus(th.TagError + "Enter at least one selection" + th.TagReset)
			return
		}
		a.startRun(refs)
	})
	a.runForm.AddButton("Cancel", a.cancelRun)

	a.logView = tview.NewTextView().
		SetDynamicColors(true).
		SetScrollable(true).
		SetTextColor(th.Text)
	a.logView.SetBorder(true).SetTitle(" Log ").SetBorderColor(th.Border).SetTitleColor(th.Accent)

	a.statusBar = tview.NewTextView().
		SetDynamicColors(true).
		SetTextColor(th.Text)
	a.statusBar.SetText(HelpText)

	top := tview.NewFlex().
		AddItem(a.form, 0, 1, true).
		AddItem(a.runForm, 0, 2, false)

	root := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(top, 11, 0, true).
		AddItem(a.logView, 0, 1, false).
		AddItem(a.statusBar, 1, 0, false)

	a.app.SetRoot(root, true).SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		switch event.Key() {
		case tcell.KeyEscape:
			a.cancelRun()
			return nil
		case tcell.KeyF2:
			a.app.SetFocus(a.form)
			return nil
		case tcell.KeyF3:
			a.app.SetFocus(a.runForm)
			return nil
		}
		return event
	})
}

// loadSettings fills the form from the backend.
func (a *App) loadSettings() {
	s := a.backend.Settings()
	a.form.GetFormItemByLabel(LabelBlockExtension).(*tview.InputField).SetText(s.BlockExtension)
	a.form.GetFormItemByLabel(LabelDefaultClass).(*tview.InputField).SetText(s.DefaultAlarmClass)
	a.form.GetFormItemByLabel(LabelSimplify).(*tview.Checkbox).SetChecked(s.SimplifyTagname)
	a.form.GetFormItemByLabel(LabelPrune).(*tview.Checkbox).SetChecked(s.PruneOrphans)
}

// formSettings reads the settings currently shown in the form.
func (a *App) formSettings() config.Settings {
	return config.Settings{
		BlockExtension:    strings.TrimSpace(a.form.GetFormItemByLabel(LabelBlockExtension).(*tview.InputField).GetText()),
		DefaultAlarmClass: strings.TrimSpace(a.form.GetFormItemByLabel(LabelDefaultClass).(*tview.InputField).GetText()),
		SimplifyTagname:   a.form.GetFormItemByLabel(LabelSimplify).(*tview.Checkbox).IsChecked(),
		PruneOrphans:      a.form.GetFormItemByLabel(LabelPrune).(*tview.Checkbox).IsChecked(),
	}
}

func (a *App) saveSettings() error {
	s := a.formSettings()
	if err := a.backend.UpdateSettings(s); err != nil {
		return err
	}
	a.Log("Settings saved: extension %q, default class %q, simplify %v, prune %v",
		s.BlockExtension, s.DefaultAlarmClass, s.SimplifyTagname, s.PruneOrphans)
	return nil
}

// parseRefs splits selections separated by commas or whitespace.
func parseRefs(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

// startRun runs refs in the background. Only one run is started at a time.
func (a *App) startRun(refs []string) bool {
	a.runMu.Lock()
	if a.cancel != nil {
		a.runMu.Unlock()
		a.setStatus(CurrentTheme.TagError + "A run is already in progress" + CurrentTheme.TagReset)
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.runMu.Unlock()

	a.setStatus("Running " + strings.Join(refs, ", ") + " (Esc to cancel)")
	go func() {
		defer func() {
			a.runMu.Lock()
			a.cancel = nil
			a.runMu.Unlock()
			cancel()
		}()
		rep, err := a.backend.Run(ctx, refs)
		a.finishRun(rep, err)
	}()
	return true
}

func (a *App) finishRun(rep *engine.Report, err error) {
	th := CurrentTheme
	switch {
	case rep != nil && rep.Cancelled:
		a.queueStatus(th.TagError + "Cancelled by user" + th.TagReset)
	case err != nil:
		a.Log("%sRun failed: %v%s", th.TagError, err, th.TagReset)
		a.queueStatus(th.TagError + err.Error() + th.TagReset)
	case rep != nil:
		t := rep.Totals
		a.Log("Run %s: %d blocks, %d failed, tags +%d ~%d -%d, alarms +%d ~%d -%d",
			rep.ID, len(rep.Triples), rep.Failed,
			t.TagsCreated, t.TagsUpdated, t.TagsDeleted,
			t.AlarmsCreated, t.AlarmsUpdated, t.AlarmsDeleted)
		a.queueStatus(th.TagSuccess + "Build alarms ended" + th.TagReset)
	}
}

// cancelRun requests cancellation of the current run, if any.
func (a *App) cancelRun() {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.cancel != nil {
		a.cancel()
		a.setStatus("Cancelling...")
	}
}

// Busy reports whether a run started from the console is in progress.
func (a *App) Busy() bool {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	return a.cancel != nil
}

// Log adds a message to the log pane. Safe to call from any goroutine;
// messages may be dropped if the buffer is contended.
func (a *App) Log(format string, args ...interface{}) {
	formatted := fmt.Sprintf(format, args...)
	if a.fileLogger != nil {
		a.fileLogger.Log("%s", stripColorTags(formatted))
	}

	if !a.mu.TryLock() {
		return
	}
	defer a.mu.Unlock()

	timestamp := time.Now().Format("15:04:05.000")
	a.messages = append(a.messages, fmt.Sprintf("%s%s%s %s", CurrentTheme.TagTextDim, timestamp, CurrentTheme.TagReset, formatted))
	if len(a.messages) > a.maxLines {
		a.messages = a.messages[len(a.messages)-a.maxLines:]
	}
}

// SetFileLogger mirrors log messages to a file.
func (a *App) SetFileLogger(l *logging.FileLogger) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fileLogger = l
}

// Messages returns a copy of the buffered log lines.
func (a *App) Messages() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.messages...)
}

func (a *App) refreshLog() {
	text := strings.Join(a.Messages(), "\n")
	a.logView.SetText(text)
	a.logView.ScrollToEnd()
}

// setStatus must be called on the UI goroutine.
func (a *App) setStatus(msg string) {
	a.statusBar.SetText(" " + msg)
}

// queueStatus sets the status from a background goroutine.
func (a *App) queueStatus(msg string) {
	if a.running.Load() {
		a.app.QueueUpdateDraw(func() { a.setStatus(msg) })
		return
	}
	a.setStatus(msg)
}

// Run starts the UI and blocks until it exits.
func (a *App) Run() error {
	a.running.Store(true)
	defer a.running.Store(false)
	go a.refreshLoop()
	defer close(a.stopChan)
	return a.app.Run()
}

// Stop quits the UI and cancels any run in progress.
func (a *App) Stop() {
	a.runMu.Lock()
	if a.cancel != nil {
		a.cancel()
	}
	a.runMu.Unlock()
	a.app.Stop()
}

func (a *App) refreshLoop() {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopChan:
			return
		case <-ticker.C:
			a.app.QueueUpdateDraw(a.refreshLog)
		}
	}
}

// stripColorTags removes tview color tags like [red] and [-].
func stripColorTags(s string) string {
	result := make([]byte, 0, len(s))
	inTag := false
	for i := 0; i < len(s); i++ {
		if s[i] == '[' {
			inTag = true
			continue
		}
		if s[i] == ']' && inTag {
			inTag = false
			continue
		}
		if !inTag {
			result = append(result, s[i])
		}
	}
	return string(result)
}
