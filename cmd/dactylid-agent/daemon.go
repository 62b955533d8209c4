package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dactylid/dactylid/internal/capture"
	"github.com/dactylid/dactylid/internal/config"
	"github.com/dactylid/dactylid/internal/dupcheck"
	"github.com/dactylid/dactylid/internal/enroll"
	"github.com/dactylid/dactylid/internal/helperstore"
	"github.com/dactylid/dactylid/internal/ipc"
	"github.com/dactylid/dactylid/internal/ledger"
	"github.com/dactylid/dactylid/pkg/aggregate"
	"github.com/dactylid/dactylid/pkg/biometric"
	"github.com/dactylid/dactylid/pkg/did"
	"github.com/dactylid/dactylid/pkg/quantize"
)

// Daemon states.
const (
	StateIdle       = "idle"
	StateProcessing = "processing"
)

// DaemonConfig holds configuration for the enrollment agent.
type DaemonConfig struct {
	SocketPath     string
	WatchDirs      []string
	OutputDir      string // empty writes outcomes next to the capture files
	Wallet         string // default controller when a session names none
	Debounce       time.Duration
	Network        string
	Params         quantize.Params
	Policy         aggregate.Policy
	Dupcheck       dupcheck.Config
	BaseURL        string
	ProjectID      string
	TimeoutSeconds int
	OnUnavailable  string // "block" or "warn"
	HelperScheme   string
	HelperDir      string
}

// Validate checks required fields and fills defaults for the rest.
func (c *DaemonConfig) Validate() error {
	if c.SocketPath == "" {
		return errors.New("socket path is required")
	}
	if len(c.WatchDirs) == 0 {
		return errors.New("at least one watch directory is required")
	}
	if c.BaseURL == "" {
		return errors.New("ledger base URL is required")
	}
	if _, err := did.ParseNetwork(c.Network); err != nil {
		return err
	}

	switch c.OnUnavailable {
	case "":
		c.OnUnavailable = "block"
	case "block", "warn":
	default:
		return fmt.Errorf("on_unavailable must be \"block\" or \"warn\", got %q", c.OnUnavailable)
	}

	if c.Debounce <= 0 {
		c.Debounce = capture.DefaultDebounce
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = 30
	}
	if c.Params == (quantize.Params{}) {
		c.Params = quantize.DefaultParams()
	}
	if len(c.Policy.Ladder) == 0 {
		c.Policy = aggregate.DefaultPolicy()
	}

	switch helperstore.Scheme(c.HelperScheme) {
	case "":
		c.HelperScheme = string(helperstore.SchemeInline)
	case helperstore.SchemeInline:
	case helperstore.SchemeFile, helperstore.SchemeCAS:
		if c.HelperDir == "" {
			return fmt.Errorf("helper scheme %q needs a helper directory", c.HelperScheme)
		}
	default:
		return fmt.Errorf("unknown helper scheme %q", c.HelperScheme)
	}
	return nil
}

// DefaultDaemonConfig returns a DaemonConfig with sensible defaults.
func DefaultDaemonConfig() DaemonConfig {
	paths := config.DefaultPaths()
	return DaemonConfig{
		SocketPath:     paths.AgentSocket,
		WatchDirs:      []string{paths.CaptureDir},
		OutputDir:      paths.EnrollDir,
		Debounce:       capture.DefaultDebounce,
		Network:        string(did.Preprod),
		Params:         quantize.DefaultParams(),
		Policy:         aggregate.DefaultPolicy(),
		BaseURL:        "https://cardano-preprod.blockfrost.io/api/v0",
		TimeoutSeconds: 30,
		OnUnavailable:  "block",
		HelperScheme:   string(helperstore.SchemeFile),
		HelperDir:      paths.HelperDir,
	}
}

// Enroller runs the enrollment pipeline for one session's captures.
type Enroller interface {
	Enroll(ctx context.Context, captures []biometric.FingerTemplate, controller string) (*enroll.Enrollment, error)
}

// Daemon watches capture directories and enrolls each dropped session,
// writing an outcome file per session.
type Daemon struct {
	cfg      DaemonConfig
	enroller Enroller
	watchers []*capture.Watcher
	debounce *capture.Debouncer
	server   *ipc.Server
	logger   *slog.Logger

	// Owned collaborators, set only when the daemon built its own
	// pipeline. Closed on shutdown.
	detector *dupcheck.Detector
	store    helperstore.Backend

	state     string
	stateMu   sync.RWMutex
	startedAt time.Time

	enrolled   atomic.Uint64
	duplicates atomic.Uint64
	failed     atomic.Uint64

	events   chan capture.Event
	sessions chan string
}

// NewDaemon creates the agent. A nil enroller assembles the real
// pipeline from the configuration; tests inject a fake.
func NewDaemon(cfg DaemonConfig, enroller Enroller) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	d := &Daemon{
		cfg:       cfg,
		enroller:  enroller,
		logger:    logger,
		state:     StateIdle,
		startedAt: time.Now().UTC(),
		events:    make(chan capture.Event, 100),
		sessions:  make(chan string, 128),
	}
	d.debounce = capture.NewDebouncer(cfg.Debounce, d.queueSession)

	if d.enroller == nil {
		index := ledger.NewClient(cfg.BaseURL, cfg.ProjectID, cfg.TimeoutSeconds)

		detector, err := dupcheck.NewWithLogger(index, cfg.Dupcheck, logger)
		if err != nil {
			return nil, err
		}

		store, err := helperstore.Open(helperstore.Scheme(cfg.HelperScheme), cfg.HelperDir)
		if err != nil {
			detector.Close()
			return nil, err
		}

		svc, err := enroll.NewServiceWithLogger(detector, store, nil, enroll.Config{
			Network:           did.Network(cfg.Network),
			Params:            cfg.Params,
			Policy:            cfg.Policy,
			WarnOnUnavailable: cfg.OnUnavailable == "warn",
		}, logger)
		if err != nil {
			detector.Close()
			store.Close()
			return nil, err
		}

		d.enroller = svc
		d.detector = detector
		d.store = store
	}

	return d, nil
}

// Run starts the daemon and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if d.cfg.OutputDir != "" {
		if err := os.MkdirAll(d.cfg.OutputDir, 0700); err != nil {
			return err
		}
	}

	server, err := ipc.NewServer(d.cfg.SocketPath, d)
	if err != nil {
		return err
	}
	d.server = server

	serverErr := make(chan error, 1)
	go func() {
		d.logger.Info("serving status socket", "socket", d.cfg.SocketPath)
		serverErr <- server.Start()
	}()

	if err := d.startWatchers(ctx); err != nil {
		d.server.Stop()
		return err
	}

	go d.processEvents(ctx)
	go d.processSessions(ctx)

	select {
	case <-ctx.Done():
		d.logger.Info("shutting down daemon")
	case err := <-serverErr:
		d.logger.Error("status server error", "error", err)
	}

	return d.shutdown()
}

// startWatchers initializes watchers for all configured directories.
func (d *Daemon) startWatchers(ctx context.Context) error {
	for _, dir := range d.cfg.WatchDirs {
		expandedDir := config.ExpandPath(dir)

		watcher, err := capture.NewWatcher(expandedDir, d.events)
		if err != nil {
			d.logger.Warn("failed to create watcher",
				"dir", dir,
				"error", err,
			)
			continue
		}

		for _, sp := range watcher.SkippedPaths() {
			d.logger.Warn("skipped during initial scan", "path", sp.Path, "error", sp.Err)
		}

		watcher.SetErrorCallback(func(err error) {
			d.logger.Error("watcher error", "error", err)
		})

		d.watchers = append(d.watchers, watcher)

		go func(w *capture.Watcher, watchDir string) {
			d.logger.Info("watching capture directory", "dir", watchDir)
			w.Start(ctx)
		}(watcher, expandedDir)
	}

	if len(d.watchers) == 0 {
		return errors.New("no watch directory could be opened")
	}
	return nil
}

// processEvents feeds watcher events into the per-path debouncer.
func (d *Daemon) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-d.events:
			if !ok {
				return
			}
			d.debounce.Hit(event.Path)
		}
	}
}

// queueSession hands a quiet capture file to the session worker. Runs
// on a debounce timer goroutine, so it must not block.
func (d *Daemon) queueSession(path string) {
	select {
	case d.sessions <- path:
	default:
		d.logger.Warn("session queue full, dropping capture", "path", path)
	}
}

// processSessions handles queued sessions one at a time.
func (d *Daemon) processSessions(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case path := <-d.sessions:
			d.handleSession(ctx, path)
		}
	}
}

// handleSession runs one capture file through the pipeline and writes
// its outcome file.
func (d *Daemon) handleSession(ctx context.Context, path string) {
	d.setState(StateProcessing)
	defer d.setState(StateIdle)

	res := d.runSession(ctx, path)

	outPath := capture.ResultPath(path, d.cfg.OutputDir)
	if err := capture.WriteResult(outPath, res); err != nil {
		d.logger.Error("failed to write outcome",
			"session", res.Session,
			"path", outPath,
			"error", err,
		)
		return
	}

	d.logger.Info("session processed",
		"session", res.Session,
		"status", res.Status,
		"did", res.DID,
		"outcome", outPath,
	)
}

// runSession decodes and enrolls one session. Every path produces a
// Result; pipeline errors become failed outcomes rather than daemon
// errors.
func (d *Daemon) runSession(ctx context.Context, path string) *capture.Result {
	session, err := capture.ReadFile(path)
	if err != nil {
		d.failed.Add(1)
		d.logger.Error("unreadable capture file", "path", path, "error", err)
		return &capture.Result{
			Session: uuid.NewString(),
			Status:  capture.StatusFailed,
			Error:   err.Error(),
		}
	}

	id := session.ID
	if id == "" {
		id = uuid.NewString()
	}

	wallet := session.Wallet
	if wallet == "" {
		wallet = d.cfg.Wallet
	}
	if wallet == "" {
		d.failed.Add(1)
		return &capture.Result{
			Session: id,
			Status:  capture.StatusFailed,
			Error:   "no controller wallet: name one in the session or configure a default",
		}
	}

	enr, err := d.enroller.Enroll(ctx, session.Fingers, wallet)
	if err != nil {
		var already *dupcheck.AlreadyRegisteredError
		if errors.As(err, &already) {
			d.duplicates.Add(1)
			return &capture.Result{
				Session:     id,
				Status:      capture.StatusDuplicate,
				DID:         already.Record.DID,
				Controllers: already.Record.Controllers,
			}
		}
		d.failed.Add(1)
		return &capture.Result{
			Session: id,
			Status:  capture.StatusFailed,
			Error:   err.Error(),
		}
	}

	raw, err := enr.Record.Encode()
	if err != nil {
		d.failed.Add(1)
		return &capture.Result{
			Session: id,
			Status:  capture.StatusFailed,
			Error:   err.Error(),
		}
	}

	fingers := make([]string, len(enr.Fingers))
	for i, pos := range enr.Fingers {
		fingers[i] = pos.String()
	}

	d.enrolled.Add(1)
	return &capture.Result{
		Session:    id,
		Status:     capture.StatusEnrolled,
		DID:        enr.DID.String(),
		Fingers:    fingers,
		MinQuality: enr.Rung.MinQuality,
		Record:     raw,
	}
}

// setState updates the daemon state.
func (d *Daemon) setState(state string) {
	d.stateMu.Lock()
	defer d.stateMu.Unlock()
	d.state = state
}

// Status implements ipc.StatusProvider.
func (d *Daemon) Status() ipc.Status {
	d.stateMu.RLock()
	state := d.state
	d.stateMu.RUnlock()

	return ipc.Status{
		State:      state,
		Network:    d.cfg.Network,
		Enrolled:   d.enrolled.Load(),
		Duplicates: d.duplicates.Load(),
		Failed:     d.failed.Load(),
		StartedAt:  d.startedAt,
	}
}

// shutdown stops the debouncer, watchers, status server, and any owned
// pipeline collaborators.
func (d *Daemon) shutdown() error {
	var errs []error

	d.debounce.Close()

	for _, w := range d.watchers {
		if n := w.DroppedEventCount(); n > 0 {
			d.logger.Warn("watcher dropped events", "count", n)
		}
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if d.server != nil {
		if err := d.server.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	if d.detector != nil {
		if err := d.detector.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
