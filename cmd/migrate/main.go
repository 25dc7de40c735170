package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/sachinjagan2006-wq/safe-unit-track/internal/migrate"
)

var (
	dsn     string
	timeout time.Duration
	mgr     *migrate.Manager
	db      *sql.DB
	cancel  context.CancelFunc = func() {}
)

var rootCmd = &cobra.Command{
	Use:           "migrate",
	Short:         "Manage the blood bank database schema",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if dsn == "" {
			return errors.New("missing DSN: provide via --dsn or PG_DSN")
		}
		var ctx context.Context
		ctx, cancel = context.WithTimeout(cmd.Context(), timeout)
		cmd.SetContext(ctx)

		var err error
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		mgr = migrate.NewManager(db)
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		cancel()
		if db != nil {
			_ = db.Close()
		}
	},
}

var upCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return mgr.Up(cmd.Context())
	},
}

var downCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back the most recent migration",
	RunE: func(cmd *cobra.Command, args []string) error {
		return mgr.Down(cmd.Context())
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Apply seed files that have not run yet",
	RunE: func(cmd *cobra.Command, args []string) error {
		return mgr.Seed(cmd.Context())
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the applied schema version",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := mgr.Status(cmd.Context())
		if err != nil {
			return err
		}
		if st.Version == 0 {
			cmd.Println("no migrations applied")
			return nil
		}
		cmd.Printf("version %d dirty=%t\n", st.Version, st.Dirty)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&dsn, "dsn", os.Getenv("PG_DSN"), "PostgreSQL DSN")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall deadline")
	rootCmd.AddCommand(upCmd, downCmd, seedCmd, statusCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}
}
