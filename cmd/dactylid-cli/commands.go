package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/dactylid/dactylid/internal/capture"
	"github.com/dactylid/dactylid/internal/config"
	"github.com/dactylid/dactylid/internal/dupcheck"
	"github.com/dactylid/dactylid/internal/enroll"
	"github.com/dactylid/dactylid/internal/helperstore"
	"github.com/dactylid/dactylid/internal/ipc"
	"github.com/dactylid/dactylid/internal/ledger"
	"github.com/dactylid/dactylid/internal/metadata"
	"github.com/dactylid/dactylid/internal/wallet"
	"github.com/dactylid/dactylid/pkg/biometric"
	"github.com/dactylid/dactylid/pkg/did"
)

// defaultPipelineTimeout bounds ledger-backed operations, which may
// page through the full registry.
const defaultPipelineTimeout = 120 * time.Second

// defaultStatusTimeout bounds local socket and storage calls.
const defaultStatusTimeout = 5 * time.Second

// passphraseEnv names the keystore passphrase variable. Passphrases
// are not accepted on the command line.
const passphraseEnv = "DACTYLID_PASSPHRASE"

// pipeline is the slice of the enrollment service the CLI drives.
type pipeline interface {
	Enroll(ctx context.Context, captures []biometric.FingerTemplate, controller string) (*enroll.Enrollment, error)
	Verify(ctx context.Context, captures []biometric.FingerTemplate, identifier string) (*enroll.Verification, error)
	Resolve(ctx context.Context, identifier string) (*metadata.EnrollmentRecord, error)
	AddController(ctx context.Context, captures []biometric.FingerTemplate, identifier, address string) (*metadata.EnrollmentRecord, error)
	Revoke(ctx context.Context, captures []biometric.FingerTemplate, identifier string) (*metadata.EnrollmentRecord, error)
}

// agentClient queries a running agent daemon.
type agentClient interface {
	Status(ctx context.Context) (ipc.Status, error)
	Close() error
}

// CLI provides commands for enrolling, verifying, and managing
// biometric identities.
type CLI struct {
	cfg         config.Config
	agentSocket string

	svc     pipeline
	agent   agentClient
	cleanup []func() error

	output io.Writer
}

// NewCLI creates a CLI instance over the given configuration.
func NewCLI(cfg config.Config, agentSocket string) *CLI {
	return &CLI{
		cfg:         cfg,
		agentSocket: agentSocket,
		output:      os.Stdout,
	}
}

// NewCLIWithDefaults creates a CLI instance from the default config
// file when it exists, and built-in defaults otherwise.
func NewCLIWithDefaults() (*CLI, error) {
	paths := config.DefaultPaths()

	cfg := config.Default()
	if _, err := os.Stat(paths.ConfigFile); err == nil {
		loaded, err := config.Load(paths.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", paths.ConfigFile, err)
		}
		cfg = *loaded
	}

	return NewCLI(cfg, paths.AgentSocket), nil
}

// connectPipeline assembles the enrollment pipeline on first use.
func (c *CLI) connectPipeline() error {
	if c.svc != nil {
		return nil
	}

	projectID := c.cfg.Detector.ProjectID
	if projectID == "" {
		projectID = os.Getenv("BLOCKFROST_PROJECT_ID")
	}

	index := ledger.NewClient(c.cfg.Detector.BaseURL, projectID, c.cfg.Detector.TimeoutSeconds)

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))

	detector, err := dupcheck.NewWithLogger(index, c.cfg.DupcheckConfig(), logger)
	if err != nil {
		return fmt.Errorf("failed to start duplicate detector: %w", err)
	}

	store, err := helperstore.Open(helperstore.Scheme(c.cfg.Helpers.Backend), c.cfg.Helpers.Dir)
	if err != nil {
		detector.Close()
		return fmt.Errorf("failed to open helper storage: %w", err)
	}

	svc, err := enroll.NewServiceWithLogger(detector, store, nil, enroll.Config{
		Network:           did.Network(c.cfg.Network.Name),
		Params:            c.cfg.QuantizeParams(),
		Policy:            c.cfg.AggregatePolicy(),
		WarnOnUnavailable: c.cfg.Detector.OnUnavailable == "warn",
	}, logger)
	if err != nil {
		detector.Close()
		store.Close()
		return fmt.Errorf("failed to assemble enrollment pipeline: %w", err)
	}

	c.svc = svc
	c.cleanup = append(c.cleanup, detector.Close, store.Close)
	return nil
}

// connectAgent dials the agent daemon socket on first use.
func (c *CLI) connectAgent() error {
	if c.agent != nil {
		return nil
	}

	client, err := ipc.NewClient(c.agentSocket)
	if err != nil {
		return fmt.Errorf("failed to reach agent daemon: %w", err)
	}

	c.agent = client
	return nil
}

// Close releases pipeline collaborators and daemon connections.
func (c *CLI) Close() {
	for _, fn := range c.cleanup {
		fn()
	}
	if c.agent != nil {
		c.agent.Close()
	}
}

// Enroll registers the person captured in the session file. The
// controller comes from the argument, the session, or the config, in
// that order.
func (c *CLI) Enroll(capturePath, address string) error {
	sess, err := capture.ReadFile(capturePath)
	if err != nil {
		return err
	}

	if address == "" {
		address = sess.Wallet
	}
	if address == "" {
		address = c.cfg.Wallet.Address
	}
	if address == "" {
		return errors.New("no controller wallet: pass an address or set wallet.address in the config")
	}

	if err := c.connectPipeline(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultPipelineTimeout)
	defer cancel()

	enr, err := c.svc.Enroll(ctx, sess.Fingers, address)
	if err != nil {
		var already *dupcheck.AlreadyRegisteredError
		if errors.As(err, &already) {
			fmt.Fprintln(c.output, "This person is already enrolled.")
			fmt.Fprintf(c.output, "  DID: %s\n", already.Record.DID)
			fmt.Fprintf(c.output, "  Controllers: %s\n", strings.Join(already.Record.Controllers, ", "))
		}
		return err
	}

	raw, err := enr.Record.Encode()
	if err != nil {
		return err
	}

	fmt.Fprintf(c.output, "Enrolled: %s\n", enr.DID)
	fmt.Fprintf(c.output, "Fingers: %s\n", joinPositions(enr.Fingers))
	fmt.Fprintf(c.output, "Quality floor: %.0f\n", enr.Rung.MinQuality)
	fmt.Fprintln(c.output)
	fmt.Fprintf(c.output, "Metadata record (submit under label %s):\n", c.cfg.Detector.Label)
	fmt.Fprintln(c.output, string(indentJSON(raw)))
	return nil
}

// Verify checks the captures in the session file against an existing
// enrollment.
func (c *CLI) Verify(capturePath, identifier string) error {
	sess, err := capture.ReadFile(capturePath)
	if err != nil {
		return err
	}

	if err := c.connectPipeline(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultPipelineTimeout)
	defer cancel()

	ver, err := c.svc.Verify(ctx, sess.Fingers, identifier)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.output, "Verified: %s\n", ver.DID)
	fmt.Fprintf(c.output, "Fingers matched: %s\n", joinPositions(ver.Fingers))
	return nil
}

// Resolve displays the current enrollment record for a DID.
func (c *CLI) Resolve(identifier string) error {
	if err := c.connectPipeline(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultPipelineTimeout)
	defer cancel()

	rec, err := c.svc.Resolve(ctx, identifier)
	if err != nil {
		return err
	}

	c.printRecord(rec)
	return nil
}

// AddController authorizes another wallet on an enrollment and prints
// the updated record for resubmission.
func (c *CLI) AddController(capturePath, identifier, address string) error {
	if address == "" {
		return errors.New("controller address cannot be empty")
	}

	sess, err := capture.ReadFile(capturePath)
	if err != nil {
		return err
	}

	if err := c.connectPipeline(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultPipelineTimeout)
	defer cancel()

	rec, err := c.svc.AddController(ctx, sess.Fingers, identifier, address)
	if err != nil {
		return err
	}

	raw, err := rec.Encode()
	if err != nil {
		return err
	}

	fmt.Fprintf(c.output, "Controller added to %s\n", rec.DID)
	fmt.Fprintf(c.output, "Controllers: %s\n", strings.Join(rec.Controllers, ", "))
	fmt.Fprintln(c.output)
	fmt.Fprintf(c.output, "Updated record (resubmit under label %s):\n", c.cfg.Detector.Label)
	fmt.Fprintln(c.output, string(indentJSON(raw)))
	return nil
}

// Revoke marks an enrollment revoked and prints the updated record for
// resubmission.
func (c *CLI) Revoke(capturePath, identifier string) error {
	sess, err := capture.ReadFile(capturePath)
	if err != nil {
		return err
	}

	if err := c.connectPipeline(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultPipelineTimeout)
	defer cancel()

	rec, err := c.svc.Revoke(ctx, sess.Fingers, identifier)
	if err != nil {
		return err
	}

	raw, err := rec.Encode()
	if err != nil {
		return err
	}

	fmt.Fprintf(c.output, "Revoked %s\n", rec.DID)
	fmt.Fprintln(c.output)
	fmt.Fprintf(c.output, "Updated record (resubmit under label %s):\n", c.cfg.Detector.Label)
	fmt.Fprintln(c.output, string(indentJSON(raw)))
	return nil
}

// Wallet manages controller wallets: new, restore, show.
func (c *CLI) Wallet(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: dactylid-cli wallet <new|restore|show>")
	}

	network := did.Network(c.cfg.Network.Name)

	switch args[0] {
	case "new":
		w, mnemonic, err := wallet.New(network)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.output, "Address: %s\n", w.Address)
		fmt.Fprintf(c.output, "Network: %s\n", w.Network)
		fmt.Fprintln(c.output)
		fmt.Fprintln(c.output, "Recovery mnemonic (shown once, write it down):")
		fmt.Fprintf(c.output, "  %s\n", mnemonic)
		return c.saveKeystore(mnemonic, network)

	case "restore":
		if len(args) < 2 {
			return errors.New("usage: dactylid-cli wallet restore <mnemonic words...>")
		}
		mnemonic := strings.Join(args[1:], " ")
		w, err := wallet.FromMnemonic(mnemonic, network)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.output, "Address: %s\n", w.Address)
		fmt.Fprintf(c.output, "Network: %s\n", w.Network)
		return c.saveKeystore(mnemonic, network)

	case "show":
		pass := os.Getenv(passphraseEnv)
		if pass == "" {
			return fmt.Errorf("set %s to open the keystore", passphraseEnv)
		}
		w, err := wallet.LoadKeystore(c.cfg.Wallet.KeystorePath, pass)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.output, "Address: %s\n", w.Address)
		fmt.Fprintf(c.output, "Network: %s\n", w.Network)
		return nil

	default:
		return fmt.Errorf("unknown wallet command: %s", args[0])
	}
}

// saveKeystore writes the mnemonic to the configured keystore when a
// passphrase is present in the environment.
func (c *CLI) saveKeystore(mnemonic string, network did.Network) error {
	pass := os.Getenv(passphraseEnv)
	if pass == "" || c.cfg.Wallet.KeystorePath == "" {
		return nil
	}

	if err := wallet.SaveKeystore(c.cfg.Wallet.KeystorePath, mnemonic, network, pass); err != nil {
		return err
	}

	fmt.Fprintln(c.output)
	fmt.Fprintf(c.output, "Keystore written: %s\n", c.cfg.Wallet.KeystorePath)
	return nil
}

// Helper inspects stored helper data by reference.
func (c *CLI) Helper(args []string) error {
	if len(args) < 2 || args[0] != "show" {
		return errors.New("usage: dactylid-cli helper show <ref>")
	}

	ref, err := helperstore.ParseRef(args[1])
	if err != nil {
		return err
	}

	store, err := helperstore.Open(ref.Scheme, c.cfg.Helpers.Dir)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(context.Background(), defaultStatusTimeout)
	defer cancel()

	helper, err := store.Retrieve(ctx, ref)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.output, "Storage: %s\n", ref.Scheme)
	fmt.Fprintf(c.output, "Template bits: %d\n", helper.Bits)
	fmt.Fprintf(c.output, "Sketch: %d bytes\n", len(helper.Sketch))
	fmt.Fprintf(c.output, "Grid: %.1f units, %d angle bins\n", helper.Params.CellSize, helper.Params.AngleBins)
	return nil
}

// Status displays the agent daemon status.
func (c *CLI) Status() error {
	fmt.Fprintln(c.output, "Agent:")

	if err := c.connectAgent(); err != nil {
		fmt.Fprintf(c.output, "  Status: not running\n")
		fmt.Fprintf(c.output, "  Error: %v\n", err)
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultStatusTimeout)
	defer cancel()

	st, err := c.agent.Status(ctx)
	if err != nil {
		fmt.Fprintf(c.output, "  Status: not running\n")
		fmt.Fprintf(c.output, "  Error: %v\n", err)
		return nil
	}

	fmt.Fprintf(c.output, "  State: %s\n", st.State)
	fmt.Fprintf(c.output, "  Network: %s\n", st.Network)
	fmt.Fprintf(c.output, "  Enrolled: %d\n", st.Enrolled)
	fmt.Fprintf(c.output, "  Duplicates: %d\n", st.Duplicates)
	fmt.Fprintf(c.output, "  Failed: %d\n", st.Failed)
	fmt.Fprintf(c.output, "  Started: %s\n", st.StartedAt.UTC().Format("2006-01-02 15:04:05"))
	return nil
}

// printRecord renders one enrollment record.
func (c *CLI) printRecord(rec *metadata.EnrollmentRecord) {
	fmt.Fprintf(c.output, "DID: %s\n", rec.DID)
	fmt.Fprintf(c.output, "Schema: %s\n", rec.Schema)
	fmt.Fprintln(c.output, "Controllers:")
	for _, addr := range rec.Controllers {
		fmt.Fprintf(c.output, "  - %s\n", addr)
	}
	fmt.Fprintf(c.output, "Enrolled: %s\n", rec.EnrolledAt.UTC().Format("2006-01-02 15:04:05"))

	if rec.Revoked {
		when := "unknown"
		if rec.RevokedAt != nil {
			when = rec.RevokedAt.UTC().Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(c.output, "Revoked: %s\n", when)
	}

	if len(rec.Helpers) > 0 {
		keys := make([]string, 0, len(rec.Helpers))
		for key := range rec.Helpers {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		fmt.Fprintln(c.output, "Helpers:")
		for _, key := range keys {
			ref := rec.Helpers[key]
			switch ref.Storage {
			case metadata.StorageInline:
				fmt.Fprintf(c.output, "  %s: inline, %d bytes\n", key, len(ref.Data))
			default:
				fmt.Fprintf(c.output, "  %s: %s\n", key, ref.URI)
			}
		}
	}
}

// joinPositions renders finger positions as a comma-separated list.
func joinPositions(positions []biometric.FingerPosition) string {
	names := make([]string, len(positions))
	for i, pos := range positions {
		names[i] = pos.String()
	}
	return strings.Join(names, ", ")
}

// indentJSON pretty-prints a record for the terminal. Records are
// submitted compact; this is display only.
func indentJSON(raw []byte) []byte {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return raw
	}
	return buf.Bytes()
}

// printUsage prints the CLI usage information to stdout.
func printUsage() {
	printUsageTo(os.Stdout)
}

// printUsageTo prints the CLI usage information to the given writer.
func printUsageTo(w io.Writer) {
	fmt.Fprintln(w, "Usage: dactylid-cli <command> [arguments]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  enroll <capture.json> [address]               Enroll a capture session")
	fmt.Fprintln(w, "  verify <capture.json> <did>                   Check captures against an enrollment")
	fmt.Fprintln(w, "  resolve <did>                                 Show the enrollment record for a DID")
	fmt.Fprintln(w, "  add-controller <capture.json> <did> <address> Authorize another controller wallet")
	fmt.Fprintln(w, "  revoke <capture.json> <did>                   Revoke an enrollment")
	fmt.Fprintln(w, "  wallet <new|restore|show>                     Manage controller wallets")
	fmt.Fprintln(w, "  helper show <ref>                             Inspect stored helper data")
	fmt.Fprintln(w, "  status                                        Show agent daemon status")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  dactylid-cli enroll booth-7.capture.json addr_test1q...")
	fmt.Fprintln(w, "  dactylid-cli verify booth-7.capture.json did:cardano:preprod:4Zso...")
	fmt.Fprintln(w, "  dactylid-cli wallet new")
	fmt.Fprintln(w, "  dactylid-cli status")
}
