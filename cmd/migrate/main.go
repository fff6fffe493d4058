package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/spf13/cobra"

	"github.com/bulkmail/bulkmail/internal/config"
	"github.com/bulkmail/bulkmail/internal/database"
	"github.com/bulkmail/bulkmail/internal/logger"
)

var migrationsDir string

var rootCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the BulkMail email_* schema",
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply every pending email schema migration",
	RunE:  runUp,
}

var downCmd = &cobra.Command{
	Use:   "down [steps]",
	Short: "Revert the newest migrations (default 1)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runDown,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the applied version and the migrations still pending",
	RunE:  runStatus,
}

var tablesCmd = &cobra.Command{
	Use:   "tables",
	Short: "List the email_* tables with estimated row counts",
	RunE:  runTables,
}

var createCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Scaffold the next numbered up/down migration pair",
	Args:  cobra.ExactArgs(1),
	RunE:  runCreate,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&migrationsDir, "dir", "migrations", "directory holding the migration scripts")
	rootCmd.AddCommand(upCmd, downCmd, statusCmd, tablesCmd, createCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// schemaSession is an open database plus a migrator over migrationsDir.
type schemaSession struct {
	db  *database.Postgres
	m   *migrate.Migrate
	log *logger.Logger
}

func openSchema() (*schemaSession, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := logger.New(cfg.Log.Level, cfg.Log.Format).WithComponent("migrate")

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	driver, err := postgres.WithInstance(db.DB, &postgres.Config{MigrationsTable: "email_schema_migrations"})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migration driver: %w", err)
	}

	abs, err := filepath.Abs(migrationsDir)
	if err != nil {
		db.Close()
		return nil, err
	}
	m, err := migrate.NewWithDatabaseInstance("file://"+filepath.ToSlash(abs), "postgres", driver)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create migrator: %w", err)
	}

	return &schemaSession{db: db, m: m, log: log}, nil
}

func (s *schemaSession) close() {
	s.m.Close()
}

// appliedVersion is zero when nothing has been applied yet.
func (s *schemaSession) appliedVersion() (uint, bool, error) {
	v, dirty, err := s.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return v, dirty, err
}

func runUp(cmd *cobra.Command, args []string) error {
	s, err := openSchema()
	if err != nil {
		return err
	}
	defer s.close()

	from, _, err := s.appliedVersion()
	if err != nil {
		return err
	}
	if err := s.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	to, _, _ := s.appliedVersion()

	s.log.Info().Uint("from", from).Uint("to", to).Msg("Email schema is up to date")
	return nil
}

func runDown(cmd *cobra.Command, args []string) error {
	steps := 1
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return fmt.Errorf("steps must be a positive integer, got %q", args[0])
		}
		steps = n
	}

	s, err := openSchema()
	if err != nil {
		return err
	}
	defer s.close()

	if err := s.m.Steps(-steps); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}
	v, _, _ := s.appliedVersion()
	s.log.Info().Int("steps", steps).Uint("version", v).Msg("Email schema rolled back")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	files, err := scanMigrations(migrationsDir)
	if err != nil {
		return err
	}

	s, err := openSchema()
	if err != nil {
		return err
	}
	defer s.close()

	applied, dirty, err := s.appliedVersion()
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}

	out := cmd.OutOrStdout()
	if applied == 0 {
		fmt.Fprintln(out, "Applied: none")
	} else {
		fmt.Fprintf(out, "Applied: %06d (dirty: %v)\n", applied, dirty)
	}
	todo := pending(files, applied)
	if len(todo) == 0 {
		fmt.Fprintln(out, "Pending: none")
		return nil
	}
	fmt.Fprintln(out, "Pending:")
	for _, f := range todo {
		fmt.Fprintf(out, "  %06d_%s\n", f.Version, f.Name)
	}
	return nil
}

func runTables(cmd *cobra.Command, args []string) error {
	s, err := openSchema()
	if err != nil {
		return err
	}
	defer s.close()

	tables, err := emailTables(context.Background(), s.db.DB)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(tables) == 0 {
		fmt.Fprintln(out, "No email tables, run `migrate up` first")
		return nil
	}
	for _, t := range tables {
		fmt.Fprintf(out, "%-24s ~%d rows\n", t.Name, t.Rows)
	}
	return nil
}

func runCreate(cmd *cobra.Command, args []string) error {
	name := args[0]
	if !migrationName.MatchString("000001_" + name + ".up.sql") {
		return fmt.Errorf("migration name %q must be lower_snake_case", name)
	}
	if err := os.MkdirAll(migrationsDir, 0755); err != nil {
		return fmt.Errorf("failed to create %s: %w", migrationsDir, err)
	}
	files, err := scanMigrations(migrationsDir)
	if err != nil {
		return err
	}

	base := fmt.Sprintf("%06d_%s", nextVersion(files), name)
	upFile := filepath.Join(migrationsDir, base+".up.sql")
	downFile := filepath.Join(migrationsDir, base+".down.sql")

	if err := os.WriteFile(upFile, []byte("-- email schema change\n"), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", upFile, err)
	}
	if err := os.WriteFile(downFile, []byte("-- revert "+base+"\n"), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", downFile, err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created:\n  %s\n  %s\n", upFile, downFile)
	return nil
}
