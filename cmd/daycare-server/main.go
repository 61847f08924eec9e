package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/daycare/daycare/internal/config"
	"github.com/daycare/daycare/internal/domain/assessment"
	"github.com/daycare/daycare/internal/domain/evaluation"
	"github.com/daycare/daycare/internal/domain/grouping"
	"github.com/daycare/daycare/internal/platform/auth"
	"github.com/daycare/daycare/internal/platform/db"
	"github.com/daycare/daycare/internal/platform/dedupe"
	"github.com/daycare/daycare/internal/platform/events"
	"github.com/daycare/daycare/internal/platform/logging"
	"github.com/daycare/daycare/internal/platform/middleware"
	"github.com/daycare/daycare/migrations"
)

const version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "daycare-server",
		Short: "Daycare assessment scoring and group assignment server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(reassignCmd())
	rootCmd.AddCommand(scoreCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and the change-notification listener",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(cmd.Context(), dir, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Read migrations from this directory instead of the built-in set")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(cmd.Context(), dir, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd.OutOrStdout(), statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Read migrations from this directory instead of the built-in set")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withMigrator(ctx context.Context, dir string, fn func(context.Context, *db.Migrator) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	var fsys fs.FS = migrations.FS
	if dir != "" {
		fsys = os.DirFS(dir)
	}
	return fn(ctx, db.NewMigrator(pool, fsys))
}

func printMigrationStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func reassignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reassign <patient-id>",
		Short: "Re-run group assignment for one patient",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patientID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid patient id: %w", err)
			}
			var submissionID *uuid.UUID
			if s, _ := cmd.Flags().GetString("submission"); s != "" {
				id, err := uuid.Parse(s)
				if err != nil {
					return fmt.Errorf("invalid submission id: %w", err)
				}
				submissionID = &id
			}
			return runReassign(cmd.Context(), cmd.OutOrStdout(), patientID, submissionID)
		},
	}
	cmd.Flags().String("submission", "", "submission that triggered the re-run, recorded in history")
	return cmd
}

func scoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "score",
		Short: "Score an offline form document and print its evaluation",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("file")
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()

			report, err := scoreDocument(f)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		},
	}
	cmd.Flags().String("file", "", "JSON document with questions, thresholds and answers")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func loadConfig() (*config.Config, zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), nil, fmt.Errorf("invalid config: %w", err)
	}
	level, _ := cfg.Level()
	logger, closer := logging.New(logging.Options{
		Development: cfg.IsDev(),
		Level:       level,
		File:        cfg.LogFile,
		MaxSizeMB:   cfg.LogMaxSizeMB,
		MaxBackups:  cfg.LogMaxBackups,
		MaxAgeDays:  cfg.LogMaxAgeDays,
	})
	return cfg, logger, closer, nil
}

func newGroupingService(pool *pgxpool.Pool, logger zerolog.Logger) *grouping.Service {
	members := grouping.NewMembershipRepoPG(pool)
	return grouping.NewService(
		grouping.NewRuleRepoPG(pool),
		grouping.NewScoreRepoPG(pool),
		members,
		members,
		logger,
	)
}

func runServer() error {
	cfg, logger, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	// Database
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	logger.Info().Msg("connected to database")

	groupingSvc := newGroupingService(pool, logger)

	// Delivery ledger (optional)
	if cfg.RedisURL != "" {
		rdb, err := dedupe.Connect(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer func(c *redis.Client) { _ = c.Close() }(rdb)
		groupingSvc.SetLedger(dedupe.NewRedisLedger(rdb, cfg.DedupeTTL))
		logger.Info().Dur("ttl", cfg.DedupeTTL).Msg("delivery ledger enabled")
	}

	assessmentSvc := assessment.NewService(
		assessment.NewFormRepoPG(pool),
		assessment.NewSubmissionRepoPG(pool),
		logger,
	)

	// Echo server
	e := newEcho(cfg, logger, pool)
	apiV1 := e.Group("/api/v1")
	hooks := e.Group("/hooks")

	grouping.NewHandler(groupingSvc).RegisterRoutes(apiV1, hooks, cfg.HookAllowedRoles)
	assessment.NewHandler(assessmentSvc).RegisterRoutes(apiV1)

	// Change-notification listener
	if cfg.NotifyChannel != "" {
		listener := events.NewListener(events.PoolConnector(pool), cfg.NotifyChannel, groupingSvc.HandleNotification, logger)
		go func() {
			if err := listener.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("notification listener stopped")
			}
		}()
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newEcho builds the server with global middleware, authentication and the
// health endpoint. Route groups are added by the caller.
func newEcho(cfg *config.Config, logger zerolog.Logger, pinger db.Pinger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(middleware.BodyLimit("1M"))

	// Auth middleware
	jwtCfg := auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthJWTSecret),
	}
	if cfg.IsDev() {
		e.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		e.Use(auth.JWTMiddleware(jwtCfg))
	}

	e.GET("/health", db.HealthHandler(pinger, version))
	return e
}

func runReassign(ctx context.Context, out io.Writer, patientID uuid.UUID, submissionID *uuid.UUID) error {
	cfg, logger, closer, err := loadConfig()
	if err != nil {
		return err
	}
	defer closer.Close()

	if ctx == nil {
		ctx = context.Background()
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()

	outcome, err := newGroupingService(pool, logger).Reassign(ctx, patientID, submissionID)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(outcome)
}

// scoreInput is the offline document read by the score command.
type scoreInput struct {
	Questions  []evaluation.Question  `json:"questions"`
	Thresholds []evaluation.Threshold `json:"thresholds"`
	Answers    []evaluation.Answer    `json:"answers"`
}

type questionScore struct {
	QuestionID uuid.UUID `json:"question_id"`
	Type       string    `json:"type"`
	Score      float64   `json:"score"`
	Maximum    float64   `json:"maximum"`
}

type scoreReport struct {
	Questions    []questionScore `json:"questions"`
	TotalScore   float64         `json:"total_score"`
	MaximumScore float64         `json:"maximum_score"`
	Percentage   float64         `json:"percentage"`
	Result       string          `json:"result,omitempty"`
	Description  string          `json:"description,omitempty"`
}

func scoreDocument(r io.Reader) (*scoreReport, error) {
	var in scoreInput
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	answers := make(map[uuid.UUID]*evaluation.Answer, len(in.Answers))
	for i := range in.Answers {
		if _, dup := answers[in.Answers[i].QuestionID]; !dup {
			answers[in.Answers[i].QuestionID] = &in.Answers[i]
		}
	}

	report := &scoreReport{Questions: make([]questionScore, 0, len(in.Questions))}
	for i := range in.Questions {
		q := &in.Questions[i]
		qs := questionScore{
			QuestionID: q.ID,
			Type:       string(q.Type),
			Maximum:    evaluation.MaximumScore(in.Questions[i : i+1]),
		}
		if a, ok := answers[q.ID]; ok {
			qs.Score = evaluation.ScoreQuestion(q, a)
		}
		report.Questions = append(report.Questions, qs)
	}

	report.TotalScore = evaluation.ScoreSubmission(in.Questions, in.Answers)
	report.MaximumScore = evaluation.MaximumScore(in.Questions)
	report.Percentage = evaluation.Percentage(report.TotalScore, report.MaximumScore)
	if c := evaluation.Classify(report.TotalScore, in.Thresholds); c != nil {
		report.Result = c.Result
		report.Description = c.Description
	}
	return report, nil
}
