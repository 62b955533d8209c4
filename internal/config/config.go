// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/dactylid/dactylid/internal/dupcheck"
	"github.com/dactylid/dactylid/internal/helperstore"
	"github.com/dactylid/dactylid/pkg/aggregate"
	"github.com/dactylid/dactylid/pkg/did"
	"github.com/dactylid/dactylid/pkg/quantize"
)

// Paths holds XDG-compliant paths for dactylid.
type Paths struct {
	ConfigDir    string // ~/.config/dactylid
	DataDir      string // ~/.local/share/dactylid
	ConfigFile   string // ~/.config/dactylid/config.toml
	HelperDir    string // ~/.local/share/dactylid/helpers
	KeystorePath string // ~/.local/share/dactylid/wallet.keystore
	CaptureDir   string // ~/.local/share/dactylid/captures
	EnrollDir    string // ~/.local/share/dactylid/enrollments
	AgentSocket  string // ~/.local/share/dactylid/agent.sock
}

// ExpandPath expands ~ to the user's home directory.
// Returns the path unchanged if it doesn't start with ~.
// Panics if home directory cannot be determined when ~ expansion is needed.
func ExpandPath(path string) string {
	if path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			panic(fmt.Sprintf("failed to get home directory: %v", err))
		}
		return home
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			panic(fmt.Sprintf("failed to get home directory: %v", err))
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultPaths returns the default XDG-compliant paths.
// Panics if the user's home directory cannot be determined.
func DefaultPaths() Paths {
	home, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Sprintf("failed to get home directory: %v", err))
	}
	configDir := filepath.Join(home, ".config", "dactylid")
	dataDir := filepath.Join(home, ".local", "share", "dactylid")

	return Paths{
		ConfigDir:    configDir,
		DataDir:      dataDir,
		ConfigFile:   filepath.Join(configDir, "config.toml"),
		HelperDir:    filepath.Join(dataDir, "helpers"),
		KeystorePath: filepath.Join(dataDir, "wallet.keystore"),
		CaptureDir:   filepath.Join(dataDir, "captures"),
		EnrollDir:    filepath.Join(dataDir, "enrollments"),
		AgentSocket:  filepath.Join(dataDir, "agent.sock"),
	}
}

// EnsureDirectories creates config and data directories if they don't exist.
func (p Paths) EnsureDirectories() error {
	if err := os.MkdirAll(p.ConfigDir, 0700); err != nil {
		return err
	}
	return os.MkdirAll(p.DataDir, 0700)
}

// Config holds the full dactylid configuration. The CLI and the agent
// read the same file; the watch section only matters to the agent.
type Config struct {
	Network   NetworkConfig   `toml:"network"`
	Quantizer QuantizerConfig `toml:"quantizer"`
	Policy    PolicyConfig    `toml:"policy"`
	Detector  DetectorConfig  `toml:"detector"`
	Helpers   HelperConfig    `toml:"helpers"`
	Wallet    WalletConfig    `toml:"wallet"`
	Watch     WatchConfig     `toml:"watch"`
}

// NetworkConfig selects the Cardano network enrollments are anchored to.
type NetworkConfig struct {
	Name string `toml:"name"`
}

// QuantizerConfig holds the minutiae grid parameters.
type QuantizerConfig struct {
	CellSize    float64 `toml:"cell_size"`
	AngleBins   int     `toml:"angle_bins"`
	MinMinutiae int     `toml:"min_minutiae"`
}

// PolicyConfig holds the finger quality ladder, best rung first.
// An empty ladder selects aggregate.DefaultPolicy.
type PolicyConfig struct {
	Rungs []RungConfig `toml:"rungs"`
}

// RungConfig is one acceptable finger combination.
type RungConfig struct {
	MinFingers int     `toml:"min_fingers"`
	MinQuality float64 `toml:"min_quality"`
}

// DetectorConfig holds duplicate detection settings.
type DetectorConfig struct {
	BaseURL         string `toml:"base_url"`
	ProjectID       string `toml:"project_id"`
	Label           string `toml:"label"`
	MaxPages        int    `toml:"max_pages"`
	PageSize        int    `toml:"page_size"`
	CacheTTLSeconds int    `toml:"cache_ttl_seconds"`
	MaxConcurrent   int    `toml:"max_concurrent"`
	TimeoutSeconds  int    `toml:"timeout_seconds"`
	OnUnavailable   string `toml:"on_unavailable"` // "block" or "warn"
}

// HelperConfig holds helper data storage settings.
type HelperConfig struct {
	Backend string `toml:"backend"` // "inline", "file" or "cas"
	Dir     string `toml:"dir"`
}

// WalletConfig holds wallet storage paths. Address is the default
// controller the agent assigns when a capture session names none.
type WalletConfig struct {
	KeystorePath string `toml:"keystore_path"`
	Address      string `toml:"address"`
}

// WatchConfig holds capture watching settings for the agent.
type WatchConfig struct {
	CaptureDir string `toml:"capture_dir"`
	OutputDir  string `toml:"output_dir"`
}

// Default returns a Config with sensible defaults: preprod network,
// the standard quantizer grid, the default quality ladder, and
// file-backed helper storage under the data directory.
func Default() Config {
	paths := DefaultPaths()
	params := quantize.DefaultParams()

	return Config{
		Network: NetworkConfig{Name: string(did.Preprod)},
		Quantizer: QuantizerConfig{
			CellSize:    params.CellSize,
			AngleBins:   params.AngleBins,
			MinMinutiae: params.MinMinutiae,
		},
		Detector: DetectorConfig{
			BaseURL:         "https://cardano-preprod.blockfrost.io/api/v0",
			Label:           dupcheck.DefaultLabel,
			MaxPages:        dupcheck.DefaultMaxPages,
			PageSize:        dupcheck.DefaultPageSize,
			CacheTTLSeconds: int(dupcheck.DefaultCacheTTL.Seconds()),
			MaxConcurrent:   int(dupcheck.DefaultMaxConcurrent),
			TimeoutSeconds:  30,
			OnUnavailable:   "block",
		},
		Helpers: HelperConfig{
			Backend: string(helperstore.SchemeFile),
			Dir:     paths.HelperDir,
		},
		Wallet: WalletConfig{KeystorePath: paths.KeystorePath},
		Watch: WatchConfig{
			CaptureDir: paths.CaptureDir,
			OutputDir:  paths.EnrollDir,
		},
	}
}

// Load reads a Config from a TOML file. Missing keys keep their
// defaults, and paths with ~ are expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse TOML: %w", err)
	}

	cfg.Helpers.Dir = ExpandPath(cfg.Helpers.Dir)
	cfg.Wallet.KeystorePath = ExpandPath(cfg.Wallet.KeystorePath)
	cfg.Watch.CaptureDir = ExpandPath(cfg.Watch.CaptureDir)
	cfg.Watch.OutputDir = ExpandPath(cfg.Watch.OutputDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config against the domains the packages accept.
func (c *Config) Validate() error {
	if _, err := did.ParseNetwork(c.Network.Name); err != nil {
		return err
	}
	if err := c.QuantizeParams().Validate(); err != nil {
		return err
	}
	if err := c.AggregatePolicy().Validate(); err != nil {
		return err
	}
	switch helperstore.Scheme(c.Helpers.Backend) {
	case helperstore.SchemeInline, helperstore.SchemeFile, helperstore.SchemeCAS:
	default:
		return fmt.Errorf("%w: %q", helperstore.ErrUnknownScheme, c.Helpers.Backend)
	}
	if c.Helpers.Backend != string(helperstore.SchemeInline) && c.Helpers.Dir == "" {
		return errors.New("helper storage directory is required")
	}
	switch c.Detector.OnUnavailable {
	case "block", "warn":
	default:
		return fmt.Errorf("on_unavailable must be \"block\" or \"warn\", got %q", c.Detector.OnUnavailable)
	}
	return nil
}

// QuantizeParams maps the quantizer section onto quantize.Params.
func (c *Config) QuantizeParams() quantize.Params {
	return quantize.Params{
		CellSize:    c.Quantizer.CellSize,
		AngleBins:   c.Quantizer.AngleBins,
		MinMinutiae: c.Quantizer.MinMinutiae,
	}
}

// AggregatePolicy maps the policy section onto aggregate.Policy.
// An empty rung list falls back to the default ladder.
func (c *Config) AggregatePolicy() aggregate.Policy {
	if len(c.Policy.Rungs) == 0 {
		return aggregate.DefaultPolicy()
	}
	rungs := make([]aggregate.Rung, len(c.Policy.Rungs))
	for i, r := range c.Policy.Rungs {
		rungs[i] = aggregate.Rung{MinFingers: r.MinFingers, MinQuality: r.MinQuality}
	}
	return aggregate.Policy{Ladder: rungs}
}

// DupcheckConfig maps the detector section onto dupcheck.Config.
func (c *Config) DupcheckConfig() dupcheck.Config {
	return dupcheck.Config{
		Label:         c.Detector.Label,
		MaxPages:      c.Detector.MaxPages,
		PageSize:      c.Detector.PageSize,
		CacheTTL:      time.Duration(c.Detector.CacheTTLSeconds) * time.Second,
		MaxConcurrent: int64(c.Detector.MaxConcurrent),
	}
}
