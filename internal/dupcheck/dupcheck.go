// Package dupcheck discovers existing enrollments before a new one is
// submitted.
//
// The ledger's metadata index is keyed by label, not by identifier, so
// a check walks the label's transaction pages and matches the
// identifier embedded in each record. The walk is bounded: after
// MaxPages pages without a match the identifier is treated as
// unregistered. Results are cached for a short window, and the whole
// flow stays read-only; ledger consensus, not this check, is the final
// arbiter of uniqueness when two enrollments race.
package dupcheck

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/allegro/bigcache/v3"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/dactylid/dactylid/internal/ledger"
	"github.com/dactylid/dactylid/internal/metadata"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultLabel         = "1990"
	DefaultMaxPages      = 10
	DefaultPageSize      = 100
	DefaultCacheTTL      = 5 * time.Minute
	DefaultMaxConcurrent = 4
)

// ErrUnavailable is returned when the ledger index cannot answer after
// its own retries. Callers decide whether to block enrollment or
// proceed with a warning.
var ErrUnavailable = errors.New("dupcheck: duplicate check unavailable")

// AlreadyRegisteredError reports that an identifier already has an
// enrollment. It carries the existing record so callers can offer
// adding a controller to it instead of failing outright.
type AlreadyRegisteredError struct {
	Record *metadata.EnrollmentRecord
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("dupcheck: %s is already registered to %d controller(s)",
		e.Record.DID, len(e.Record.Controllers))
}

// Config bounds the scan and the detector's resources. Zero values
// select the package defaults.
type Config struct {
	Label         string
	MaxPages      int
	PageSize      int
	CacheTTL      time.Duration
	MaxConcurrent int64
}

func (c Config) withDefaults() Config {
	if c.Label == "" {
		c.Label = DefaultLabel
	}
	if c.MaxPages <= 0 {
		c.MaxPages = DefaultMaxPages
	}
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	return c
}

// Result is the outcome of an asynchronous check.
type Result struct {
	Record *metadata.EnrollmentRecord
	Err    error
}

// Detector runs duplicate checks against a ledger index.
type Detector struct {
	index  ledger.Index
	cfg    Config
	cache  *bigcache.BigCache
	sem    *semaphore.Weighted
	logger *slog.Logger
}

// New creates a detector using the default logger.
func New(index ledger.Index, cfg Config) (*Detector, error) {
	return NewWithLogger(index, cfg, slog.Default())
}

// NewWithLogger creates a detector that logs through the given logger.
func NewWithLogger(index ledger.Index, cfg Config, logger *slog.Logger) (*Detector, error) {
	cfg = cfg.withDefaults()

	cacheCfg := bigcache.DefaultConfig(cfg.CacheTTL)
	cacheCfg.Verbose = false
	cache, err := bigcache.New(context.Background(), cacheCfg)
	if err != nil {
		return nil, fmt.Errorf("dupcheck: creating cache: %w", err)
	}

	return &Detector{
		index:  index,
		cfg:    cfg,
		cache:  cache,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrent),
		logger: logger,
	}, nil
}

// Close releases the detector's cache.
func (d *Detector) Close() error {
	return d.cache.Close()
}

// CheckExists scans the ledger for an enrollment of the identifier.
// It returns the record if one exists, nil if none was found within
// the page bound, and ErrUnavailable when the index cannot answer.
// Cancelling the context aborts the scan without caching anything.
func (d *Detector) CheckExists(ctx context.Context, identifier string) (*metadata.EnrollmentRecord, error) {
	if rec, ok := d.cached(identifier); ok {
		return rec, nil
	}

	for page := 1; page <= d.cfg.MaxPages; page++ {
		entries, err := d.index.MetadataByLabel(ctx, d.cfg.Label, page, d.cfg.PageSize)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}

		for _, entry := range entries {
			rec, err := metadata.Normalize(entry.JSON)
			if err != nil {
				d.logger.Debug("skipping unreadable metadata entry",
					"tx_hash", entry.TxHash, "error", err)
				continue
			}
			if rec.DID == identifier {
				d.remember(identifier, rec)
				return rec, nil
			}
		}

		// A short page means the label's history is exhausted.
		if len(entries) < d.cfg.PageSize {
			break
		}
	}

	d.remember(identifier, nil)
	return nil, nil
}

// CheckExistsAsync runs CheckExists on the detector's bounded worker
// pool and delivers the outcome on the returned channel. The channel
// is buffered and closed after one result.
func (d *Detector) CheckExistsAsync(ctx context.Context, identifier string) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		if err := d.sem.Acquire(ctx, 1); err != nil {
			out <- Result{Err: err}
			return
		}
		defer d.sem.Release(1)

		rec, err := d.CheckExists(ctx, identifier)
		out <- Result{Record: rec, Err: err}
	}()
	return out
}

// CheckBatch checks several identifiers concurrently and returns the
// records of those that exist. The first failure cancels the rest.
func (d *Detector) CheckBatch(ctx context.Context, identifiers []string) (map[string]*metadata.EnrollmentRecord, error) {
	g, ctx := errgroup.WithContext(ctx)
	found := make([]*metadata.EnrollmentRecord, len(identifiers))

	for i, identifier := range identifiers {
		g.Go(func() error {
			if err := d.sem.Acquire(ctx, 1); err != nil {
				return err
			}
			defer d.sem.Release(1)

			rec, err := d.CheckExists(ctx, identifier)
			if err != nil {
				return err
			}
			found[i] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*metadata.EnrollmentRecord)
	for i, identifier := range identifiers {
		if found[i] != nil {
			out[identifier] = found[i]
		}
	}
	return out, nil
}

// Invalidate drops a cached result, for callers that just changed the
// identifier's record.
func (d *Detector) Invalidate(identifier string) {
	if err := d.cache.Delete(identifier); err != nil && !errors.Is(err, bigcache.ErrEntryNotFound) {
		d.logger.Debug("cache invalidation failed", "error", err)
	}
}

// Cached results carry a one-byte marker so "known absent" and "known
// present" both avoid a rescan inside the TTL window.
func (d *Detector) cached(identifier string) (*metadata.EnrollmentRecord, bool) {
	raw, err := d.cache.Get(identifier)
	if err != nil {
		return nil, false
	}
	if len(raw) == 0 || raw[0] == 0x00 {
		return nil, true
	}
	rec, err := metadata.Normalize(raw[1:])
	if err != nil {
		return nil, false
	}
	return rec, true
}

func (d *Detector) remember(identifier string, rec *metadata.EnrollmentRecord) {
	if rec == nil {
		if err := d.cache.Set(identifier, []byte{0x00}); err != nil {
			d.logger.Debug("caching negative result failed", "error", err)
		}
		return
	}

	encoded, err := rec.Encode()
	if err != nil {
		return
	}
	if err := d.cache.Set(identifier, append([]byte{0x01}, encoded...)); err != nil {
		d.logger.Debug("caching record failed", "error", err)
	}
}
