// Alarmsync - PLC alarm extraction
//
// Turns the boolean members of PLC data blocks into HMI tags and alarms,
// keeping the HMI configuration in step with the PLC interfaces.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"alarmsync/api"
	"alarmsync/config"
	"alarmsync/engine"
	"alarmsync/hmistore"
	"alarmsync/logging"
	"alarmsync/project"
	"alarmsync/ssh"
	"alarmsync/stream"
	"alarmsync/tui"
	"alarmsync/watch"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag handles --log-debug without a value by injecting "all" as the default.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if strings.HasPrefix(arg, "--log-debug=") || strings.HasPrefix(arg, "-log-debug=") {
			return
		}
	}
}

// Command line flags
var (
	configPath   = flag.String("config", config.DefaultPath(), "Path to configuration file")
	projectPath  = flag.String("project", "", "Workspace directory or project file (overrides config)")
	storePath    = flag.String("store", "", "HMI store database (overrides config)")
	selectFlag   = flag.String("select", "", "Comma-separated selections to run, e.g. group:PLC_1/Line")
	serve        = flag.Bool("serve", false, "Serve the REST API")
	watchFlag    = flag.Bool("watch", false, "Re-run blocks whose interface documents change")
	settingsFlag = flag.Bool("settings", false, "Open the settings dialog and run console")
	sshFlag      = flag.Bool("ssh", false, "Serve the console over SSH")
	streamFlag   = flag.Bool("stream", false, "Stream engine events over TCP")
	dryRun       = flag.Bool("dry-run", false, "Roll back every change instead of committing")
	logFile      = flag.String("log", "", "Path to log file (optional)")
	logDebug     = flag.String("log-debug", "", "Enable debug logging to debug.log (optional component filter)")
	adminUser    = flag.String("admin-user", "", "Create/update admin user (saves to config)")
	adminPass    = flag.String("admin-pass", "", "Password for admin user (saves to config)")
	showVersion  = flag.Bool("version", false, "Show version and exit")
)

func main() {
	preprocessLogDebugFlag()
	flag.Parse()

	if *showVersion {
		fmt.Printf("alarmsync %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if *adminUser != "" || *adminPass != "" {
		if err := setAdmin(cfg, *adminUser, *adminPass); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Admin user '%s' configured for the REST API\n", *adminUser)
	}

	// Overrides are in memory only
	if *projectPath != "" {
		cfg.Project = *projectPath
	}
	if *storePath != "" {
		cfg.Store = *storePath
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	refs := parseSelections(*selectFlag)
	if len(refs) == 0 && !*serve && !*watchFlag && !*settingsFlag {
		if *adminUser != "" {
			return
		}
		flag.Usage()
		os.Exit(2)
	}

	os.Exit(run(cfg, refs))
}

// setAdmin creates or updates an admin user and saves the config.
func setAdmin(cfg *config.Config, user, pass string) error {
	if user == "" || pass == "" {
		return fmt.Errorf("-admin-user and -admin-pass must be given together")
	}
	hash, err := api.HashPassword(pass)
	if err != nil {
		return fmt.Errorf("hashing password: %w", err)
	}
	cfg.Lock()
	if existing := cfg.FindWebUser(user); existing != nil {
		existing.PasswordHash = hash
		existing.Role = config.RoleAdmin
	} else {
		cfg.AddWebUser(config.WebUser{Username: user, PasswordHash: hash, Role: config.RoleAdmin})
	}
	return cfg.UnlockAndSave(*configPath)
}

func parseSelections(s string) []string {
	var refs []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			refs = append(refs, part)
		}
	}
	return refs
}

// run wires the engine and its consumers and returns the exit code.
func run(cfg *config.Config, refs []string) int {
	interactive := *settingsFlag

	// The console is created after the engine, so log lines go through logFn.
	var console atomic.Pointer[tui.App]
	var remote atomic.Pointer[ssh.Server]
	logFn := logging.StderrLog

	var fileLogger *logging.FileLogger
	if *logFile != "" {
		var err error
		fileLogger, err = logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		} else {
			defer fileLogger.Close()
			if !interactive {
				fileLogger.SetMirror(os.Stderr)
			}
			logFn = fileLogger.Log
		}
	}
	engineLog := func(format string, args ...interface{}) {
		if r := remote.Load(); r != nil {
			r.Log(format, args...)
		}
		if c := console.Load(); c != nil {
			c.Log(format, args...)
			return
		}
		logFn(format, args...)
	}

	if *logDebug != "" {
		debugLogger, err := logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			filter := *logDebug
			if filter == "all" || filter == "true" || filter == "1" {
				filter = ""
			}
			debugLogger.SetFilter(filter)
			logging.SetGlobalDebugLogger(debugLogger)
			defer debugLogger.Close()
		}
	}

	var ws *project.Workspace
	if file := cfg.ProjectFile(); file != "" {
		var err error
		if ws, err = project.Open(file); err != nil {
			fmt.Fprintf(os.Stderr, "Error opening project: %v\n", err)
			return 1
		}
	}

	store, err := hmistore.Open(cfg.StorePath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening HMI store: %v\n", err)
		return 1
	}
	defer store.Close()

	e := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: *configPath,
		LogFunc:    engineLog,
		Workspace:  ws,
		Store:      store,
		DryRun:     *dryRun,
	})
	e.Start()
	defer e.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	code := 0
	if len(refs) > 0 {
		code = runOnce(ctx, e, refs)
		if ctx.Err() != nil {
			return code
		}
	}

	var server *api.Server
	if *serve || cfg.Web.Enabled {
		server = api.NewServer(&cfg.Web, e)
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start REST API on port %d: %v\n", cfg.Web.Port, err)
			server = nil
		} else {
			fmt.Printf("REST API at %s/api/\n", server.Address())
		}
		if server != nil {
			defer server.Stop()
		}
	}

	var watcher *watch.Watcher
	if (*watchFlag || cfg.Watch.Enabled) && ws != nil {
		watcher = watch.New(ws, e, cfg.Watch.Debounce)
		watcher.SetLogFunc(engineLog)
		if err := watcher.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start watcher: %v\n", err)
			watcher = nil
		} else {
			defer watcher.Stop()
		}
	}

	var events *stream.Server
	if *streamFlag || cfg.Stream.Enabled {
		events = stream.NewServer(e, cfg.Namespace)
		events.SetLogFunc(engineLog)
		if err := events.Start(cfg.Stream.Listen, cfg.Stream.BufferSize); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start event stream: %v\n", err)
			events = nil
		} else {
			events.Attach(e.Events)
			defer events.Stop()
		}
	}

	var sshServer *ssh.Server
	if *sshFlag || cfg.SSH.Enabled {
		sshServer = ssh.NewServer(cfg, e)
		sshServer.SetOnSessionConnect(func(addr string) { engineLog("SSH session from %s", addr) })
		sshServer.SetOnSessionDisconnect(func(addr string) { engineLog("SSH session from %s closed", addr) })
		if err := sshServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start SSH console on port %d: %v\n", cfg.SSH.Port, err)
			sshServer = nil
		} else {
			fmt.Printf("SSH console on %s\n", sshServer.Addr())
			remote.Store(sshServer)
			defer sshServer.Stop()
		}
	}

	if interactive {
		// Keep runtime errors from corrupting the terminal display.
		stderrPath := filepath.Join(filepath.Dir(*configPath), "alarmsync-crash.log")
		if f, err := os.OpenFile(stderrPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644); err == nil {
			redirectStderr(f)
			defer f.Close()
		}

		app := tui.NewApp(e)
		if fileLogger != nil {
			app.SetFileLogger(fileLogger)
		}
		console.Store(app)
		go func() {
			<-ctx.Done()
			app.Stop()
		}()
		if err := app.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			return 1
		}
		return code
	}

	if server == nil && watcher == nil && sshServer == nil && events == nil {
		return code
	}

	fmt.Println("Running. Press Ctrl+C to stop.")
	<-ctx.Done()
	fmt.Println("\nShutting down...")

	done := make(chan struct{})
	go func() {
		if watcher != nil {
			watcher.Stop()
		}
		if server != nil {
			server.Stop()
		}
		if sshServer != nil {
			sshServer.Stop()
		}
		if events != nil {
			events.Stop()
		}
		e.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
	}
	fmt.Println("Stopped")
	return code
}

// runOnce runs refs and prints the report. Failed blocks or a cancelled run
// give a non-zero exit code.
func runOnce(ctx context.Context, e *engine.Engine, refs []string) int {
	rep, err := e.Run(ctx, refs)
	if rep != nil {
		data, _ := json.MarshalIndent(rep, "", "  ")
		fmt.Println(string(data))
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	if rep.Failed > 0 {
		return 1
	}
	return 0
}
