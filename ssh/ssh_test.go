package ssh

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"
	gossh "golang.org/x/crypto/ssh"

	"alarmsync/config"
	"alarmsync/engine"
)

type fakeMeta struct{ user string }

func (m fakeMeta) User() string          { return m.user }
func (m fakeMeta) SessionID() []byte     { return nil }
func (m fakeMeta) ClientVersion() []byte { return nil }
func (m fakeMeta) ServerVersion() []byte { return nil }
func (m fakeMeta) RemoteAddr() net.Addr  { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 5000} }
func (m fakeMeta) LocalAddr() net.Addr   { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 2222} }

type fakeBackend struct{}

func (fakeBackend) Settings() config.Settings             { return config.DefaultSettings() }
func (fakeBackend) UpdateSettings(config.Settings) error { return nil }
func (fakeBackend) Run(ctx context.Context, refs []string) (*engine.Report, error) {
	return &engine.Report{}, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SSH.Port = 0
	cfg.SSH.HostKey = filepath.Join(t.TempDir(), "keys", "host_key")
	return cfg
}

func addUser(t *testing.T, cfg *config.Config, name, pass, role string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(pass), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	cfg.AddWebUser(config.WebUser{Username: name, PasswordHash: string(hash), Role: role})
}

func newKey(t *testing.T) gossh.Signer {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := gossh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

func TestPasswordCallback(t *testing.T) {
	cfg := testConfig(t)
	addUser(t, cfg, "admin", "secret", config.RoleAdmin)
	addUser(t, cfg, "viewer", "secret", config.RoleViewer)
	cb := passwordCallback(cfg)

	tests := []struct {
		user, pass string
		ok         bool
	}{
		{"admin", "secret", true},
		{"admin", "wrong", false},
		{"viewer", "secret", false},
		{"nobody", "secret", false},
	}
	for _, tt := range tests {
		perms, err := cb(fakeMeta{tt.user}, []byte(tt.pass))
		if (err == nil) != tt.ok {
			t.Errorf("%s/%s: err = %v, want ok=%v", tt.user, tt.pass, err, tt.ok)
		}
		if tt.ok && perms.Extensions["user"] != tt.user {
			t.Errorf("%s: permissions = %+v", tt.user, perms)
		}
	}
}

func TestHasAdmin(t *testing.T) {
	cfg := testConfig(t)
	if hasAdmin(cfg) {
		t.Error("no users should mean no admin")
	}
	addUser(t, cfg, "viewer", "x", config.RoleViewer)
	if hasAdmin(cfg) {
		t.Error("viewer counted as admin")
	}
	addUser(t, cfg, "admin", "x", config.RoleAdmin)
	if !hasAdmin(cfg) {
		t.Error("admin not found")
	}
}

func TestPublicKeyCallback(t *testing.T) {
	if publicKeyCallback("") != nil {
		t.Error("empty path should disable key auth")
	}
	dir := t.TempDir()
	if publicKeyCallback(filepath.Join(dir, "missing")) != nil {
		t.Error("missing file should disable key auth")
	}

	allowed := newKey(t).PublicKey()
	other := newKey(t).PublicKey()

	keysDir := filepath.Join(dir, "keys")
	if err := os.MkdirAll(keysDir, 0700); err != nil {
		t.Fatal(err)
	}
	content := "# operators\n\nnot a key\n" + string(gossh.MarshalAuthorizedKey(allowed))
	if err := os.WriteFile(filepath.Join(keysDir, "ops.pub"), []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(keysDir, ".hidden"), gossh.MarshalAuthorizedKey(other), 0600); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{keysDir, filepath.Join(keysDir, "ops.pub")} {
		cb := publicKeyCallback(path)
		if cb == nil {
			t.Fatalf("%s: no callback", path)
		}
		if _, err := cb(fakeMeta{"op"}, allowed); err != nil {
			t.Errorf("%s: allowed key refused: %v", path, err)
		}
		if _, err := cb(fakeMeta{"op"}, other); err == nil {
			t.Errorf("%s: unknown key accepted", path)
		}
	}
}

func TestHostKeyPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "host_key")
	first, err := GetOrCreateHostKey(path)
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v", info.Mode().Perm())
	}
	second, err := GetOrCreateHostKey(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(first.PublicKey().Marshal()) != string(second.PublicKey().Marshal()) {
		t.Error("host key changed between loads")
	}

	if err := os.WriteFile(path, []byte("garbage"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := GetOrCreateHostKey(path); err == nil {
		t.Error("expected parse error")
	}
}

func ptyPayload(term string, w, h uint32) []byte {
	b := make([]byte, 4+len(term)+16)
	binary.BigEndian.PutUint32(b, uint32(len(term)))
	copy(b[4:], term)
	off := 4 + len(term)
	binary.BigEndian.PutUint32(b[off:], w)
	binary.BigEndian.PutUint32(b[off+4:], h)
	return b
}

func TestParsePtyRequest(t *testing.T) {
	pty, err := parsePtyRequest(ptyPayload("xterm-256color", 120, 40))
	if err != nil {
		t.Fatal(err)
	}
	if pty.Term != "xterm-256color" || pty.Width != 120 || pty.Height != 40 {
		t.Errorf("pty = %+v", pty)
	}

	bad := [][]byte{
		nil,
		{0, 0, 0},
		ptyPayload("xterm", 1, 1)[:12],
		{0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0},
	}
	for i, p := range bad {
		if _, err := parsePtyRequest(p); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestParseWindowChange(t *testing.T) {
	b := make([]byte, 16)
	binary.BigEndian.PutUint32(b, 100)
	binary.BigEndian.PutUint32(b[4:], 30)
	win, err := parseWindowChange(b)
	if err != nil {
		t.Fatal(err)
	}
	if win.Width != 100 || win.Height != 30 {
		t.Errorf("window = %+v", win)
	}
	if _, err := parseWindowChange(b[:7]); err == nil {
		t.Error("expected error for short payload")
	}
}

func TestChannelTtyResize(t *testing.T) {
	tty := newChannelTty(nopChannel{}, "", 80, 24)
	if tty.Term() != "xterm-256color" {
		t.Errorf("term = %q", tty.Term())
	}
	resized := false
	tty.NotifyResize(func() { resized = true })
	tty.SetWindowSize(100, 50)
	ws, _ := tty.WindowSize()
	if !resized || ws.Width != 100 || ws.Height != 50 {
		t.Errorf("resized=%v size=%+v", resized, ws)
	}

	tty.Stop()
	if n, err := tty.Read(make([]byte, 8)); n != 0 || err == nil {
		t.Errorf("read after stop = %d, %v", n, err)
	}
}

type nopChannel struct{}

func (nopChannel) Read(b []byte) (int, error)  { return 0, nil }
func (nopChannel) Write(b []byte) (int, error) { return len(b), nil }
func (nopChannel) Close() error                { return nil }

func TestStartRequiresAuth(t *testing.T) {
	srv := NewServer(testConfig(t), fakeBackend{})
	if err := srv.Start(); err == nil {
		srv.Stop()
		t.Fatal("expected error without any auth method")
	}
	if srv.IsRunning() {
		t.Error("server running after failed start")
	}
}

func TestHandshake(t *testing.T) {
	cfg := testConfig(t)
	addUser(t, cfg, "admin", "secret", config.RoleAdmin)

	srv := NewServer(cfg, fakeBackend{})
	if err := srv.Start(); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop()
	if err := srv.Start(); err == nil {
		t.Error("second Start succeeded")
	}
	addr := srv.Addr().String()

	dial := func(pass string) (*gossh.Client, error) {
		return gossh.Dial("tcp", addr, &gossh.ClientConfig{
			User:            "admin",
			Auth:            []gossh.AuthMethod{gossh.Password(pass)},
			HostKeyCallback: gossh.InsecureIgnoreHostKey(),
			Timeout:         5 * time.Second,
		})
	}

	if c, err := dial("wrong"); err == nil {
		c.Close()
		t.Fatal("wrong password accepted")
	}

	client, err := dial("secret")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	sess, err := client.NewSession()
	if err != nil {
		t.Fatal(err)
	}
	defer sess.Close()
	// Without a pty the console refuses to start.
	if err := sess.Shell(); err == nil {
		t.Error("shell without pty accepted")
	}
	if n := srv.SessionCount(); n != 0 {
		t.Errorf("sessions = %d", n)
	}

	if err := srv.Stop(); err != nil {
		t.Errorf("Stop: %v", err)
	}
	if srv.IsRunning() || srv.Addr() != nil {
		t.Error("server still running")
	}
}
