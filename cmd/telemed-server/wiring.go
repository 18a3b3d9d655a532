package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/telemed/telemed/internal/config"
	"github.com/telemed/telemed/internal/domain/consultation"
	"github.com/telemed/telemed/internal/platform/cache"
	"github.com/telemed/telemed/internal/platform/db"
	"github.com/telemed/telemed/internal/platform/nlp"
	"github.com/telemed/telemed/internal/platform/transcribe"
)

const cachePrefix = "telemed:"

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out}
	}
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.LogLevel)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		URL:            cfg.DatabaseURL,
		MaxConns:       cfg.DBMaxConns,
		MinConns:       cfg.DBMinConns,
		ConnectTimeout: cfg.DBConnectTimeout(),
	}
}

// store is an opened consultation repository with its health check.
type store struct {
	repo    consultation.Repository
	pinger  db.Pinger
	driver  string
	closers []func()
}

func (s *store) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*store, error) {
	s := &store{driver: cfg.StoreDriver}

	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		s.closers = append(s.closers, pool.Close)
		s.repo = consultation.NewRepoPG(pool)
		s.pinger = pool
	case config.DriverSQLite:
		repo, err := consultation.OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { repo.Close() })
		s.repo = repo
		s.pinger = repo
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	logger.Info().Str("driver", s.driver).Msg("store opened")

	if cfg.RedisURL == "" {
		return s, nil
	}
	rc, err := cache.NewRedis(ctx, cfg.RedisURL, cachePrefix)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	s.closers = append(s.closers, func() { rc.Close() })
	s.repo = consultation.NewCachedRepository(s.repo, rc, cfg.CacheTTL(), logger)
	logger.Info().Dur("ttl", cfg.CacheTTL()).Msg("consultation cache enabled")
	return s, nil
}

func loadKeywordTable(path string) (consultation.KeywordTable, error) {
	if path == "" {
		return consultation.DefaultKeywordTable(), nil
	}
	return consultation.LoadKeywordTable(path)
}

// buildPipeline resolves the recognizer variant once and pairs it with a
// categorizer over the same keyword table.
func buildPipeline(cfg *config.Config) (nlp.Recognizer, *consultation.Categorizer, error) {
	table, err := loadKeywordTable(cfg.KeywordsFile)
	if err != nil {
		return nil, nil, err
	}
	variant, err := nlp.ParseVariant(cfg.RecognizerVariant)
	if err != nil {
		return nil, nil, err
	}
	recognizer, err := nlp.New(nlp.Options{
		Variant: variant,
		URL:     cfg.RecognizerURL,
		Timeout: cfg.RecognizerTimeout(),
		Lexicon: table.RecognizerLexicon(),
	})
	if err != nil {
		return nil, nil, err
	}
	return recognizer, consultation.NewCategorizer(table), nil
}

// app holds what every store-backed command needs.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
	store  *store
	svc    *consultation.Service
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger, opts ...consultation.Option) (*app, error) {
	recognizer, categorizer, err := buildPipeline(cfg)
	if err != nil {
		return nil, err
	}
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if cfg.TranscriberURL != "" {
		opts = append(opts, consultation.WithTranscriber(
			transcribe.NewClient(cfg.TranscriberURL, cfg.TranscriberModel, cfg.TranscriberTimeout())))
	}
	return &app{
		cfg:    cfg,
		logger: logger,
		store:  st,
		svc:    consultation.NewService(st.repo, recognizer, categorizer, logger, opts...),
	}, nil
}

func (a *app) Close() {
	a.store.Close()
}

// withService loads configuration, opens the store and runs fn. Logs go to
// stderr so command output stays machine readable.
func withService(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.ValidateStore(); err != nil {
		return err
	}
	if err := cfg.ValidateRecognizer(); err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := newApp(ctx, cfg, newLogger(cfg, os.Stderr))
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func printSessions(w io.Writer, items []*consultation.SessionItem, total int, now time.Time) {
	fmt.Fprintf(w, "%-28s %-14s %-8s %5s %5s %5s %5s %5s %5s  %s\n",
		"SESSION", "AGE", "GENDER", "SYMP", "MED", "PROC", "INSTR", "DX", "OTHER", "UPDATED")
	for _, item := range items {
		fmt.Fprintln(w, formatSessionRow(item, now))
	}
	fmt.Fprintf(w, "%d of %s session(s)\n", len(items), humanize.Comma(int64(total)))
}

func formatSessionRow(item *consultation.SessionItem, now time.Time) string {
	s := item.Summary
	if s == nil {
		return fmt.Sprintf("%-28s %-14s %-8s %5s %5s %5s %5s %5s %5s  %s",
			item.SessionID, "-", "-", "-", "-", "-", "-", "-", "-", "not extracted")
	}
	updated := humanize.RelTime(s.UpdatedAt, now, "ago", "from now")
	if s.Reviewed {
		updated += " (reviewed)"
	}
	return fmt.Sprintf("%-28s %-14s %-8s %5d %5d %5d %5d %5d %5d  %s",
		item.SessionID, orDash(s.PatientAge), orDash(s.PatientGender),
		s.SymptomsCount, s.MedicationsCount, s.ProceduresCount,
		s.InstructionsCount, s.DiagnosisCount, s.OtherCount, updated)
}

func orDash(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}
