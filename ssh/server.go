// Package ssh serves the settings console to remote operators. Each session
// gets its own console on the shared engine.
package ssh

import (
	"encoding/binary"
	"fmt"
	"net"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/gdamore/tcell/v2/terminfo"
	gossh "golang.org/x/crypto/ssh"

	"alarmsync/config"
	"alarmsync/logging"
	"alarmsync/tui"
)

// session is one interactive SSH channel.
type session struct {
	channel gossh.Channel
	conn    *gossh.ServerConn
	pty     *ptyRequest
	tty     *channelTty
	app     *tui.App
	appMu   sync.Mutex

	closeMu sync.Mutex
	closed  bool
}

func (s *session) setApp(app *tui.App) {
	s.appMu.Lock()
	s.app = app
	s.appMu.Unlock()
}

func (s *session) getApp() *tui.App {
	s.appMu.Lock()
	defer s.appMu.Unlock()
	return s.app
}

// close ends the channel with an exit-status so the client leaves cleanly.
func (s *session) close() error {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.tty != nil {
		s.tty.Stop()
	}
	s.channel.SendRequest("exit-status", false, []byte{0, 0, 0, 0})
	s.channel.CloseWrite()
	return s.channel.Close()
}

type window struct {
	Width  int
	Height int
}

type ptyRequest struct {
	Term   string
	Width  uint32
	Height uint32
}

// Server accepts SSH connections and runs a console per session.
type Server struct {
	cfg       *config.Config
	backend   tui.Backend
	sshConfig *gossh.ServerConfig
	listener  net.Listener

	sessions   map[*session]struct{}
	sessionsMu sync.RWMutex

	running  bool
	mu       sync.Mutex
	stopChan chan struct{}

	onConnect    func(remoteAddr string)
	onDisconnect func(remoteAddr string)
}

// NewServer creates a console server for backend.
func NewServer(cfg *config.Config, backend tui.Backend) *Server {
	return &Server{
		cfg:      cfg,
		backend:  backend,
		sessions: make(map[*session]struct{}),
	}
}

// SetOnSessionConnect sets a callback for new sessions.
func (s *Server) SetOnSessionConnect(fn func(remoteAddr string)) {
	s.onConnect = fn
}

// SetOnSessionDisconnect sets a callback for ended sessions.
func (s *Server) SetOnSessionDisconnect(fn func(remoteAddr string)) {
	s.onDisconnect = fn
}

// Start listens on the configured port. Port 0 picks a free port.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("server already running")
	}

	hostKey, err := GetOrCreateHostKey(s.cfg.HostKeyPath())
	if err != nil {
		return fmt.Errorf("failed to get host key: %w", err)
	}

	sshConfig := &gossh.ServerConfig{}
	sshConfig.AddHostKey(hostKey)

	hasAuth := false
	if hasAdmin(s.cfg) {
		sshConfig.PasswordCallback = passwordCallback(s.cfg)
		hasAuth = true
	}
	if cb := publicKeyCallback(s.cfg.SSH.AuthorizedKeys); cb != nil {
		sshConfig.PublicKeyCallback = cb
		hasAuth = true
	}
	if !hasAuth {
		return fmt.Errorf("no authentication method configured: add an admin user or authorized_keys")
	}

	addr := fmt.Sprintf(":%d", s.cfg.SSH.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.sshConfig = sshConfig
	s.listener = listener
	s.stopChan = make(chan struct{})
	s.running = true

	logging.DebugLog("ssh", "server started on %s", listener.Addr())
	go s.acceptLoop(listener, s.stopChan)
	return nil
}

// Addr returns the listening address, or nil when stopped.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(listener net.Listener, stop chan struct{}) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-stop:
				return
			default:
				logging.DebugLog("ssh", "accept error: %v", err)
				continue
			}
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	sshConn, chans, reqs, err := gossh.NewServerConn(conn, s.sshConfig)
	if err != nil {
		logging.DebugLog("ssh", "handshake failed from %s: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	logging.DebugLog("ssh", "connection from %s as %s", sshConn.RemoteAddr(), sshConn.User())

	go gossh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			newChannel.Reject(gossh.UnknownChannelType, "unknown channel type")
			continue
		}
		channel, requests, err := newChannel.Accept()
		if err != nil {
			logging.DebugLog("ssh", "could not accept channel: %v", err)
			continue
		}
		go s.handleSession(sshConn, channel, requests)
	}
}

// handleSession processes pty-req, shell and window-change requests.
func (s *Server) handleSession(conn *gossh.ServerConn, channel gossh.Channel, requests <-chan *gossh.Request) {
	sess := &session{channel: channel, conn: conn}
	remote := conn.RemoteAddr().String()
	started := false

	for req := range requests {
		switch req.Type {
		case "pty-req":
			pty, err := parsePtyRequest(req.Payload)
			if err != nil {
				logging.DebugLog("ssh", "invalid pty-req from %s: %v", remote, err)
				if req.WantReply {
					req.Reply(false, nil)
				}
				continue
			}
			sess.pty = pty
			if req.WantReply {
				req.Reply(true, nil)
			}

		case "shell":
			// The console needs a terminal.
			ok := sess.pty != nil && !started
			if req.WantReply {
				req.Reply(ok, nil)
			}
			if ok {
				started = true
				sess.tty = newChannelTty(channel, sess.pty.Term, int(sess.pty.Width), int(sess.pty.Height))
				go s.runSession(sess)
			} else if sess.pty == nil {
				channel.Write([]byte("alarmsync: a terminal is required (ssh -t)\r\n"))
				sess.close()
			}

		case "window-change":
			win, err := parseWindowChange(req.Payload)
			if err != nil {
				logging.DebugLog("ssh", "invalid window-change from %s: %v", remote, err)
				continue
			}
			if sess.tty != nil {
				sess.tty.SetWindowSize(win.Width, win.Height)
			}

		case "env":
			if req.WantReply {
				req.Reply(true, nil)
			}

		default:
			if req.WantReply {
				req.Reply(false, nil)
			}
		}
	}

	sess.close()
}

func (s *Server) runSession(sess *session) {
	remote := sess.conn.RemoteAddr().String()
	logging.DebugLog("ssh", "session from %s (term=%s, size=%dx%d)",
		remote, sess.pty.Term, sess.pty.Width, sess.pty.Height)

	s.sessionsMu.Lock()
	s.sessions[sess] = struct{}{}
	s.sessionsMu.Unlock()
	if s.onConnect != nil {
		s.onConnect(remote)
	}
	defer s.cleanupSession(sess, remote)

	screen, err := createScreen(sess.tty)
	if err != nil {
		logging.DebugLog("ssh", "failed to create screen for %s: %v", remote, err)
		return
	}

	app := tui.NewAppWithScreen(s.backend, screen)
	sess.setApp(app)
	app.Log("[green]Connected[-] as %s", sess.conn.User())

	if err := app.Run(); err != nil {
		logging.DebugLog("ssh", "console error for %s: %v", remote, err)
	}
	sess.setApp(nil)
	sess.conn.Close()
}

func (s *Server) cleanupSession(sess *session, remote string) {
	s.sessionsMu.Lock()
	delete(s.sessions, sess)
	s.sessionsMu.Unlock()

	if s.onDisconnect != nil {
		s.onDisconnect(remote)
	}
	sess.close()
	logging.DebugLog("ssh", "session from %s ended", remote)
}

// Log appends a line to every open console.
func (s *Server) Log(format string, args ...interface{}) {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	for sess := range s.sessions {
		if app := sess.getApp(); app != nil {
			app.Log(format, args...)
		}
	}
}

// parsePtyRequest decodes: string term, uint32 cols, uint32 rows,
// uint32 px width, uint32 px height, string modes.
func parsePtyRequest(payload []byte) (*ptyRequest, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("payload too short")
	}
	termLen := binary.BigEndian.Uint32(payload[0:4])
	if uint64(len(payload)) < 4+uint64(termLen)+16 {
		return nil, fmt.Errorf("payload too short for term")
	}
	term := string(payload[4 : 4+termLen])
	offset := 4 + termLen
	return &ptyRequest{
		Term:   term,
		Width:  binary.BigEndian.Uint32(payload[offset : offset+4]),
		Height: binary.BigEndian.Uint32(payload[offset+4 : offset+8]),
	}, nil
}

func parseWindowChange(payload []byte) (window, error) {
	if len(payload) < 8 {
		return window{}, fmt.Errorf("payload too short")
	}
	return window{
		Width:  int(binary.BigEndian.Uint32(payload[0:4])),
		Height: int(binary.BigEndian.Uint32(payload[4:8])),
	}, nil
}

// createScreen falls back to xterm-256color, then xterm, for unknown terms.
func createScreen(tty *channelTty) (tcell.Screen, error) {
	ti, err := terminfo.LookupTerminfo(tty.Term())
	if err != nil {
		logging.DebugLog("ssh", "terminfo not found for %s, falling back to xterm-256color", tty.Term())
		ti, err = terminfo.LookupTerminfo("xterm-256color")
		if err != nil {
			ti, err = terminfo.LookupTerminfo("xterm")
			if err != nil {
				return nil, fmt.Errorf("failed to find terminfo: %w", err)
			}
		}
	}
	return tcell.NewTerminfoScreenFromTtyTerminfo(tty, ti)
}

// Stop closes the listener and every session.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopChan)
	listener := s.listener
	s.listener = nil
	s.mu.Unlock()

	s.sessionsMu.RLock()
	for sess := range s.sessions {
		if app := sess.getApp(); app != nil {
			go app.Stop()
		}
		go sess.close()
	}
	s.sessionsMu.RUnlock()

	if listener != nil {
		return listener.Close()
	}
	return nil
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SessionCount returns the number of open consoles.
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}
