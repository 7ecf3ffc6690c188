// Package integration wires one E.ON Next login into a running entry: the
// API client, the polling loop and the historical backfill.
package integration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/raterudder/eonnext/pkg/backfill"
	"github.com/raterudder/eonnext/pkg/coordinator"
	"github.com/raterudder/eonnext/pkg/credentials"
	"github.com/raterudder/eonnext/pkg/eonnext"
	"github.com/raterudder/eonnext/pkg/log"
	"github.com/raterudder/eonnext/pkg/statistics"
	"github.com/raterudder/eonnext/pkg/storage"
	"github.com/raterudder/eonnext/pkg/types"
)

var (
	// ErrAuthFailed means setup could not log in. The entry needs new
	// credentials.
	ErrAuthFailed = errors.New("eon next login failed")
	// ErrNotReady means setup failed for a reason that may clear on retry.
	ErrNotReady = errors.New("eon next entry not ready")
	// ErrInvalidOptions wraps option validation failures.
	ErrInvalidOptions = errors.New("invalid backfill options")
)

// Client is everything the entry needs from the API client.
type Client interface {
	coordinator.Client
	backfill.DataSource
	Meters() []types.Meter
	Login(ctx context.Context, email, password string) error
	LoginWithRefreshToken(ctx context.Context, refreshToken string) error
	SetPassword(email, password string)
	SetTokenUpdateCallback(fn func(refreshToken string))
}

// Config describes one entry.
type Config struct {
	EntryID  string
	Email    string
	Password string
	// UpdateInterval is the polling interval. Defaults to
	// coordinator.DefaultUpdateInterval.
	UpdateInterval time.Duration
	// Location decides what "today" is for daily totals and backfill
	// windows. Defaults to UTC.
	Location     *time.Location
	ClearTimeout time.Duration
	Registerer   prometheus.Registerer
}

// Entry is a configured E.ON Next account.
type Entry struct {
	cfg    Config
	db     storage.Database
	client Client
	sealer *credentials.Sealer

	options atomic.Pointer[types.BackfillOptions]
	// optionsMu serializes writers of options
	optionsMu sync.Mutex

	recorder    *statistics.Recorder
	coordinator *coordinator.Coordinator
	backfill    *backfill.Manager

	setupMu sync.Mutex
	started bool

	needsReauth atomic.Bool
	reauthMu    sync.Mutex
}

// Configured sets up an Entry from flags.
func Configured(db storage.Database, client *eonnext.Client, sealer *credentials.Sealer, reg prometheus.Registerer) *Entry {
	e := &Entry{db: db, client: client, sealer: sealer}

	entryID := lflag.String("entry-id", "default", "ID the entry's state is stored under")
	email := lflag.String("eonnext-email", "", "E.ON Next account email")
	password := lflag.String("eonnext-password", "", "E.ON Next account password")
	updateInterval := lflag.Duration("update-interval", coordinator.DefaultUpdateInterval, "How often to poll E.ON Next for new data")
	timezone := lflag.String("backfill-timezone", "UTC", "IANA timezone used to decide the current day")
	clearTimeout := lflag.Duration("statistics-clear-timeout", statistics.DefaultClearTimeout, "How long to wait for a statistics rebuild to clear existing data")

	lflag.Do(func() {
		loc, err := time.LoadLocation(*timezone)
		if err != nil {
			panic(fmt.Sprintf("invalid backfill-timezone %q: %v", *timezone, err))
		}
		e.cfg = Config{
			EntryID:        *entryID,
			Email:          *email,
			Password:       *password,
			UpdateInterval: *updateInterval,
			Location:       loc,
			ClearTimeout:   *clearTimeout,
			Registerer:     reg,
		}
		e.build()
	})
	return e
}

// New returns an Entry for cfg. Nothing talks to the API until Setup.
func New(cfg Config, db storage.Database, client Client, sealer *credentials.Sealer) *Entry {
	e := &Entry{cfg: cfg, db: db, client: client, sealer: sealer}
	e.build()
	return e
}

func (e *Entry) build() {
	if e.cfg.Location == nil {
		e.cfg.Location = time.UTC
	}
	e.recorder = statistics.NewRecorder(e.db, e.cfg.ClearTimeout)
	gate := backfill.NewGate()
	e.backfill = backfill.New(backfill.Config{
		Store:      storage.NewBackfillStore(e.db, e.cfg.EntryID),
		Source:     e.client,
		Sink:       e.recorder,
		Roster:     e.client,
		Options:    e.Options,
		Gate:       gate,
		Location:   e.cfg.Location,
		Registerer: e.cfg.Registerer,
		AuthFailed: e.handleAuthFailure,
	})
	e.coordinator = coordinator.New(coordinator.Config{
		Client:     e.client,
		Importer:   e.recorder,
		Gate:       gate,
		Interval:   e.cfg.UpdateInterval,
		Location:   e.cfg.Location,
		Registerer: e.cfg.Registerer,
		AuthFailed: e.handleAuthFailure,
	})
}

// Setup logs in, loads the options, primes the backfill and performs the
// first refresh before starting both loops. The gate is applied before the
// first refresh so live imports never race a backfill that is about to
// start.
func (e *Entry) Setup(ctx context.Context) error {
	e.setupMu.Lock()
	defer e.setupMu.Unlock()
	if e.started {
		return nil
	}
	if e.cfg.EntryID == "" {
		return storage.ErrEmptyEntryID
	}
	ctx = log.WithEntry(ctx, e.cfg.EntryID)

	if err := e.login(ctx); err != nil {
		return err
	}
	if err := e.loadOptions(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	if err := e.backfill.Prime(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	if err := e.coordinator.FirstRefresh(ctx); err != nil {
		if errors.Is(err, eonnext.ErrAuth) {
			e.needsReauth.Store(true)
			return fmt.Errorf("%w: %w", ErrAuthFailed, err)
		}
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}

	e.backfill.Start(ctx)
	e.coordinator.Start(ctx)
	e.started = true
	log.Ctx(ctx).InfoContext(
		ctx,
		"eon next entry started",
		slog.Int("meters", len(e.client.Meters())),
		slog.Bool("backfillEnabled", e.Options().Enabled),
	)
	return nil
}

// Unload stops the backfill and then the polling loop. Storage is left open
// for the caller to close.
func (e *Entry) Unload() {
	e.setupMu.Lock()
	defer e.setupMu.Unlock()
	e.backfill.Stop()
	e.coordinator.Stop()
	e.started = false
}

// login prefers the stored refresh token and falls back to the configured
// password.
func (e *Entry) login(ctx context.Context) error {
	creds := e.restoreCredentials(ctx)

	if e.sealer != nil {
		if err := e.sealer.Validate(); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "refresh tokens will not be persisted", slog.Any("error", err))
		} else {
			e.client.SetTokenUpdateCallback(func(refreshToken string) {
				e.persistRefreshToken(ctx, refreshToken)
			})
		}
	}
	if e.cfg.Email != "" && e.cfg.Password != "" {
		e.client.SetPassword(e.cfg.Email, e.cfg.Password)
	}

	var tokenErr error
	if creds.RefreshToken != "" {
		tokenErr = e.client.LoginWithRefreshToken(ctx, creds.RefreshToken)
		if tokenErr == nil {
			return nil
		}
		log.Ctx(ctx).WarnContext(ctx, "stored refresh token rejected", slog.Any("error", tokenErr))
	}
	if e.cfg.Email == "" || e.cfg.Password == "" {
		if tokenErr != nil {
			return fmt.Errorf("%w: %w", ErrAuthFailed, tokenErr)
		}
		return fmt.Errorf("%w: no credentials configured", ErrAuthFailed)
	}
	if err := e.client.Login(ctx, e.cfg.Email, e.cfg.Password); err != nil {
		if errors.Is(err, eonnext.ErrAuth) {
			return fmt.Errorf("%w: %w", ErrAuthFailed, err)
		}
		return fmt.Errorf("%w: %w", ErrNotReady, err)
	}
	return nil
}

func (e *Entry) restoreCredentials(ctx context.Context) types.Credentials {
	if e.sealer == nil {
		return types.Credentials{}
	}
	sealed, err := e.db.GetCredentials(ctx, e.cfg.EntryID)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to load stored credentials", slog.Any("error", err))
		return types.Credentials{}
	}
	if len(sealed) == 0 {
		return types.Credentials{}
	}
	creds, err := e.sealer.Open(ctx, sealed)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to open stored credentials", slog.Any("error", err))
		return types.Credentials{}
	}
	if e.cfg.Email != "" && creds.Email != "" && creds.Email != e.cfg.Email {
		log.Ctx(ctx).InfoContext(ctx, "stored credentials belong to a different account, ignoring")
		return types.Credentials{}
	}
	return creds
}

// persistRefreshToken runs under the client's auth lock so it must not call
// back into the client.
func (e *Entry) persistRefreshToken(ctx context.Context, refreshToken string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	sealed, err := e.sealer.Seal(ctx, types.Credentials{Email: e.cfg.Email, RefreshToken: refreshToken})
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to seal refresh token", slog.Any("error", err))
		return
	}
	if err := e.db.SetCredentials(ctx, e.cfg.EntryID, sealed); err != nil {
		log.Ctx(ctx).WarnContext(ctx, "failed to persist refresh token", slog.Any("error", err))
		return
	}
	log.Ctx(ctx).DebugContext(ctx, "persisted refresh token")
}

func (e *Entry) loadOptions(ctx context.Context) error {
	opts, version, err := e.db.GetOptions(ctx, e.cfg.EntryID)
	if err != nil {
		return fmt.Errorf("failed to load options: %w", err)
	}
	opts, migrated, err := types.MigrateBackfillOptions(opts, version)
	if err != nil {
		return fmt.Errorf("failed to migrate options: %w", err)
	}
	if migrated {
		log.Ctx(ctx).InfoContext(
			ctx,
			"migrating options",
			slog.Int("oldVersion", version),
			slog.Int("newVersion", types.CurrentBackfillOptionsVersion),
		)
		if err := e.db.SetOptions(ctx, e.cfg.EntryID, opts, types.CurrentBackfillOptionsVersion); err != nil {
			// the migrated options still apply to this run
			log.Ctx(ctx).ErrorContext(ctx, "failed to save migrated options", slog.Any("error", err))
		}
	}
	e.options.Store(&opts)
	return nil
}

// Options returns the current backfill options. Defaults are returned before
// Setup has loaded them.
func (e *Entry) Options() types.BackfillOptions {
	if o := e.options.Load(); o != nil {
		return *o
	}
	return types.DefaultBackfillOptions()
}

// UpdateOptions validates, persists and applies new options. The backfill
// picks them up at its next cycle but the gate is released right away.
func (e *Entry) UpdateOptions(ctx context.Context, opts types.BackfillOptions) error {
	if err := opts.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOptions, err)
	}
	e.optionsMu.Lock()
	defer e.optionsMu.Unlock()
	if err := e.db.SetOptions(ctx, e.cfg.EntryID, opts, types.CurrentBackfillOptionsVersion); err != nil {
		return fmt.Errorf("failed to save options: %w", err)
	}
	e.options.Store(&opts)
	e.backfill.SyncGate(ctx)
	log.Ctx(ctx).InfoContext(
		ctx,
		"updated backfill options",
		slog.Bool("enabled", opts.Enabled),
		slog.Int("lookbackDays", opts.LookbackDays),
	)
	return nil
}

// Status reports the backfill progress.
func (e *Entry) Status() backfill.Status {
	return e.backfill.Status()
}

// Dashboard returns the latest polled data, nil before the first refresh.
func (e *Entry) Dashboard() *coordinator.Data {
	return e.coordinator.Data()
}

// Refresh polls the API immediately.
func (e *Entry) Refresh(ctx context.Context) error {
	return e.coordinator.Refresh(ctx)
}

// NeedsReauth is true after a loop hit an authentication failure that a
// fresh password login did not fix.
func (e *Entry) NeedsReauth() bool {
	return e.needsReauth.Load()
}

// AddListener registers fn for both backfill progress and polled data
// updates. The returned func removes it.
func (e *Entry) AddListener(fn func()) func() {
	rb := e.backfill.AddListener(fn)
	rc := e.coordinator.AddListener(fn)
	return func() {
		rb()
		rc()
	}
}

// handleAuthFailure is called by either loop. It flags the entry and tries
// one password login.
func (e *Entry) handleAuthFailure(ctx context.Context, err error) {
	e.reauthMu.Lock()
	defer e.reauthMu.Unlock()

	e.needsReauth.Store(true)
	log.Ctx(ctx).ErrorContext(ctx, "eon next authentication failed", slog.Any("error", err))
	if e.cfg.Email == "" || e.cfg.Password == "" {
		return
	}
	if err := e.client.Login(ctx, e.cfg.Email, e.cfg.Password); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "re-login failed, new credentials required", slog.Any("error", err))
		return
	}
	e.needsReauth.Store(false)
	log.Ctx(ctx).InfoContext(ctx, "re-login succeeded")
}
