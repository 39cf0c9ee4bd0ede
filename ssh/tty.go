package ssh

import (
	"io"
	"sync"

	"github.com/gdamore/tcell/v2"
)

// channelTty lets tcell draw on an SSH channel.
type channelTty struct {
	channel  io.ReadWriteCloser
	term     string
	width    int
	height   int
	mu       sync.RWMutex
	resizeCb func()
	resizeMu sync.Mutex
	stopped  bool
}

func newChannelTty(channel io.ReadWriteCloser, term string, width, height int) *channelTty {
	if term == "" {
		term = "xterm-256color"
	}
	return &channelTty{
		channel: channel,
		term:    term,
		width:   width,
		height:  height,
	}
}

func (t *channelTty) Term() string {
	return t.term
}

// Start is a no-op; the client already put its terminal in raw mode.
func (t *channelTty) Start() error {
	return nil
}

// Stop makes Read return EOF. The channel stays open so screen.Fini can
// still restore the remote terminal.
func (t *channelTty) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

func (t *channelTty) Drain() error {
	return nil
}

func (t *channelTty) NotifyResize(cb func()) {
	t.resizeMu.Lock()
	t.resizeCb = cb
	t.resizeMu.Unlock()
}

func (t *channelTty) WindowSize() (tcell.WindowSize, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return tcell.WindowSize{
		Width:  t.width,
		Height: t.height,
	}, nil
}

// SetWindowSize applies a window-change request.
func (t *channelTty) SetWindowSize(width, height int) {
	t.mu.Lock()
	t.width = width
	t.height = height
	t.mu.Unlock()

	t.resizeMu.Lock()
	cb := t.resizeCb
	t.resizeMu.Unlock()

	if cb != nil {
		cb()
	}
}

func (t *channelTty) Read(b []byte) (int, error) {
	t.mu.RLock()
	stopped := t.stopped
	t.mu.RUnlock()
	if stopped {
		return 0, io.EOF
	}
	n, err := t.channel.Read(b)
	if err != nil {
		t.mu.RLock()
		stopped = t.stopped
		t.mu.RUnlock()
		if stopped {
			return 0, io.EOF
		}
	}
	return n, err
}

func (t *channelTty) Write(b []byte) (int, error) {
	return t.channel.Write(b)
}

func (t *channelTty) Close() error {
	t.Stop()
	return t.channel.Close()
}

func (t *channelTty) Stopped() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stopped
}

var _ tcell.Tty = (*channelTty)(nil)
