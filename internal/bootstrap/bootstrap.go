// Package bootstrap builds the service graph from configuration. The API
// server and the admin CLI share it.
package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/bryanwahyu/cardscan/internal/application"
	"github.com/bryanwahyu/cardscan/internal/application/confidence"
	appinventory "github.com/bryanwahyu/cardscan/internal/application/inventory"
	appscans "github.com/bryanwahyu/cardscan/internal/application/scans"
	appvision "github.com/bryanwahyu/cardscan/internal/application/vision"
	"github.com/bryanwahyu/cardscan/internal/config"
	"github.com/bryanwahyu/cardscan/internal/domain/inventory"
	"github.com/bryanwahyu/cardscan/internal/domain/scanerrors"
	"github.com/bryanwahyu/cardscan/internal/domain/scans"
	"github.com/bryanwahyu/cardscan/internal/domain/vision"
	"github.com/bryanwahyu/cardscan/internal/infra/ai/claude"
	"github.com/bryanwahyu/cardscan/internal/infra/ai/google"
	"github.com/bryanwahyu/cardscan/internal/infra/ai/openai"
	mysqlp "github.com/bryanwahyu/cardscan/internal/infra/db/mysql"
	pgp "github.com/bryanwahyu/cardscan/internal/infra/db/postgres"
	sqlitep "github.com/bryanwahyu/cardscan/internal/infra/db/sqlite"
	"github.com/bryanwahyu/cardscan/internal/infra/scryfall"
	"github.com/bryanwahyu/cardscan/internal/infra/storage"
)

// NewLogger builds the root logger from the log section.
func NewLogger(cfg *config.Config, w io.Writer) *log.Logger {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = log.InfoLevel
	}
	formatter := log.TextFormatter
	switch cfg.Log.Format {
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	}
	return log.NewWithOptions(w, log.Options{
		Level:           level,
		Formatter:       formatter,
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		ReportCaller:    level == log.DebugLevel,
		Prefix:          "cardscan",
	})
}

// Stores holds the repositories of one database.
type Stores struct {
	DB        *sql.DB
	Driver    string
	Sessions  scans.Repository
	Inventory inventory.Repository
	Errors    scanerrors.Repository
}

// OpenDatabase connects to the configured driver and, when migrate is set,
// applies the schema.
func OpenDatabase(ctx context.Context, cfg *config.Config, migrate bool) (*Stores, error) {
	st := &Stores{Driver: cfg.Database.Driver}
	var err error
	switch cfg.Database.Driver {
	case "mysql":
		if st.DB, err = mysqlp.Connect(ctx, cfg.MySQLDSN()); err != nil {
			return nil, err
		}
		st.Sessions = mysqlp.NewSessionRepository(st.DB)
		st.Inventory = mysqlp.NewInventoryRepository(st.DB)
		st.Errors = mysqlp.NewScanErrorRepository(st.DB)
	case "postgres":
		if st.DB, err = pgp.Connect(ctx, cfg.PostgresDSN()); err != nil {
			return nil, err
		}
		st.Sessions = pgp.NewSessionRepository(st.DB)
		st.Inventory = pgp.NewInventoryRepository(st.DB)
		st.Errors = pgp.NewScanErrorRepository(st.DB)
	case "sqlite":
		if st.DB, err = sqlitep.Open(ctx, cfg.Database.Path); err != nil {
			return nil, err
		}
		st.Sessions = sqlitep.NewSessionRepository(st.DB)
		st.Inventory = sqlitep.NewInventoryRepository(st.DB)
		st.Errors = sqlitep.NewScanErrorRepository(st.DB)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Database.Driver)
	}
	if migrate {
		if err := Migrate(ctx, st); err != nil {
			_ = st.DB.Close()
			return nil, err
		}
	}
	return st, nil
}

// Migrate applies the schema for the store's driver.
func Migrate(ctx context.Context, st *Stores) error {
	var err error
	switch st.Driver {
	case "mysql":
		err = mysqlp.Migrate(ctx, st.DB)
	case "postgres":
		err = pgp.Migrate(ctx, st.DB)
	case "sqlite":
		err = sqlitep.Migrate(ctx, st.DB)
	}
	if err != nil {
		return fmt.Errorf("migrate %s: %w", st.Driver, err)
	}
	return nil
}

// NewImageStore builds the configured photo store. The returned closer may be nil.
func NewImageStore(ctx context.Context, cfg *config.Config) (scans.ImageStore, io.Closer, error) {
	s := cfg.Storage
	switch s.Driver {
	case "local":
		st, err := storage.NewLocal(s.Dir)
		return st, nil, err
	case "minio":
		st, err := storage.New(ctx, s.Minio.Endpoint, s.Minio.Region, s.Minio.BucketName, s.Minio.AccessKey, s.Minio.SecretKey, s.Minio.UseSSL)
		return st, nil, err
	case "s3":
		st, err := storage.NewS3(ctx, storage.S3Options{
			Region:       s.S3.Region,
			Bucket:       s.S3.Bucket,
			AccessKey:    s.S3.AccessKey,
			SecretKey:    s.S3.SecretKey,
			Endpoint:     s.S3.Endpoint,
			UsePathStyle: s.S3.UsePathStyle,
		})
		return st, nil, err
	case "gcs":
		st, err := storage.NewGCS(ctx, s.GCS.Bucket, s.GCS.CredentialsFile)
		if err != nil {
			return nil, nil, err
		}
		return st, st, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", s.Driver)
}

// NewLookup builds the Scryfall client.
func NewLookup(cfg *config.Config, logger *log.Logger) *scryfall.Client {
	sc := cfg.Scryfall
	return scryfall.NewClient(scryfall.Config{
		BaseURL:     sc.BaseURL,
		Timeout:     time.Duration(sc.TimeoutMs) * time.Millisecond,
		MinInterval: time.Duration(sc.MinIntervalMs) * time.Millisecond,
		CacheTTL:    time.Duration(sc.CacheTTLMinutes) * time.Minute,
		UserAgent:   sc.UserAgent,
	}, scryfall.WithLogger(logger.With("component", "scryfall")))
}

// NewBackend builds one vision backend from its configuration.
func NewBackend(ctx context.Context, id vision.BackendID, bc config.BackendConfig) (vision.Backend, io.Closer, error) {
	switch id {
	case vision.BackendOpenAI:
		c := openai.NewClient(bc.APIKey, bc.Model, bc.ExtraParams["baseURL"])
		if raw := bc.ExtraParams["seed"]; raw != "" {
			seed, err := strconv.Atoi(raw)
			if err != nil {
				return nil, nil, fmt.Errorf("openai: invalid seed %q", raw)
			}
			c.Seed = seed
		}
		return c, nil, nil
	case vision.BackendClaude:
		return claude.NewClient(claude.Config{APIKey: bc.APIKey, Model: bc.Model},
			claude.WithBaseURL(bc.ExtraParams["baseURL"])), nil, nil
	case vision.BackendGoogle:
		c, err := google.NewClient(ctx, google.Config{
			ProjectID:       bc.ExtraParams["project"],
			Region:          bc.ExtraParams["region"],
			Model:           bc.Model,
			CredentialsFile: bc.ExtraParams["credentialsFile"],
		})
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil
	}
	return nil, nil, fmt.Errorf("unknown vision backend %q", id)
}

// chainOrder lists configured backends primary first, then fallback, then the rest.
func chainOrder(vc config.VisionConfig) []vision.BackendID {
	var order []vision.BackendID
	seen := map[vision.BackendID]bool{}
	push := func(id vision.BackendID) {
		if _, ok := vc.Backends[string(id)]; ok && !seen[id] {
			seen[id] = true
			order = append(order, id)
		}
	}
	push(vision.BackendID(vc.Primary))
	push(vision.BackendID(vc.Fallback))
	for _, id := range vision.KnownBackends {
		push(id)
	}
	return order
}

// NewOrchestrator builds every configured backend and the failover chain.
// Disabled backends that cannot be built are left out.
func NewOrchestrator(ctx context.Context, cfg *config.Config, logger *log.Logger) (*appvision.Orchestrator, []io.Closer, error) {
	vc := cfg.Vision
	opts := appvision.Options{
		Primary:           vision.BackendID(vc.Primary),
		Fallback:          vision.BackendID(vc.Fallback),
		Timeouts:          map[vision.BackendID]time.Duration{},
		Disabled:          map[vision.BackendID]bool{},
		RetryPrimaryAfter: time.Duration(vc.RetryPrimaryAfterMinutes) * time.Minute,
		Clock:             application.SystemClock{},
		Logger:            logger.With("component", "vision"),
	}

	var backends []vision.Backend
	var closers []io.Closer
	for _, id := range chainOrder(vc) {
		bc := vc.Backends[string(id)]
		b, closer, err := NewBackend(ctx, id, bc)
		if err != nil {
			if !bc.Enabled && id != opts.Primary && id != opts.Fallback {
				logger.Warn("skipping disabled vision backend", "backend", id, "err", err)
				continue
			}
			closeAll(closers)
			return nil, nil, fmt.Errorf("vision backend %s: %w", id, err)
		}
		if closer != nil {
			closers = append(closers, closer)
		}
		backends = append(backends, b)
		opts.Timeouts[id] = bc.Timeout()
		opts.Disabled[id] = !bc.Enabled
	}

	orch, err := appvision.New(opts, backends...)
	if err != nil {
		closeAll(closers)
		return nil, nil, err
	}
	return orch, closers, nil
}

// App is the fully wired service graph.
type App struct {
	Config       *config.Config
	Logger       *log.Logger
	Stores       *Stores
	Images       scans.ImageStore
	Lookup       *scryfall.Client
	Orchestrator *appvision.Orchestrator
	Scans        *appscans.Service
	Inventory    *appinventory.Service

	closers []io.Closer
}

// Build wires everything the API needs. Close releases it.
func Build(ctx context.Context, cfg *config.Config, logger *log.Logger) (*App, error) {
	app := &App{Config: cfg, Logger: logger}

	stores, err := OpenDatabase(ctx, cfg, true)
	if err != nil {
		return nil, err
	}
	app.Stores = stores
	app.closers = append(app.closers, stores.DB)

	images, closer, err := NewImageStore(ctx, cfg)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("image store: %w", err)
	}
	app.Images = images
	if closer != nil {
		app.closers = append(app.closers, closer)
	}

	app.Lookup = NewLookup(cfg, logger)

	orch, closers, err := NewOrchestrator(ctx, cfg, logger)
	if err != nil {
		app.Close()
		return nil, err
	}
	app.Orchestrator = orch
	app.closers = append(app.closers, closers...)

	clock := application.SystemClock{}
	app.Scans = &appscans.Service{
		Repo:        stores.Sessions,
		Images:      images,
		Inventory:   stores.Inventory,
		Errors:      stores.Errors,
		Vision:      orch,
		Lookup:      app.Lookup,
		Scorer:      confidence.Scorer{},
		Clock:       clock,
		Logger:      logger.With("component", "scans"),
		Concurrency: cfg.Vision.Concurrency,
	}
	app.Inventory = &appinventory.Service{
		Repo:   stores.Inventory,
		Lookup: app.Lookup,
		Clock:  clock,
		Logger: logger.With("component", "inventory"),
	}
	return app, nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func closeAll(cs []io.Closer) {
	for _, c := range cs {
		_ = c.Close()
	}
}

// ConfigPath returns CONFIG_PATH or config.yaml.
func ConfigPath() string {
	if v := os.Getenv("CONFIG_PATH"); v != "" {
		return v
	}
	return "config.yaml"
}
