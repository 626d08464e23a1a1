package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"pollbot/api/internal/certs"
	"pollbot/api/internal/config"
	"pollbot/api/internal/observability"
	"pollbot/api/internal/store"
)

type cli struct {
	cfg    config.Config
	logger *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:          "pollbotctl",
		Short:        "Operator tasks for the pollbot API",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			c.cfg = cfg
			c.logger = observability.NewLogger(cmd.ErrOrStderr(), cfg.Log.Level, "text")
			return nil
		},
	}
	root.AddCommand(c.migrateCmd(), c.seedCmd(), c.genCertsCmd())
	return root
}

func (c *cli) migrateCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				dir = c.cfg.MigrationsDir
			}
			return c.withDB(cmd, func(db *sql.DB) error {
				applied, err := store.ApplyMigrations(cmd.Context(), db, dir, c.logger)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "applied %d migration(s) from %s\n", applied, dir)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "migrations directory (defaults to POLLBOT_MIGRATIONS_DIR)")
	return cmd
}

func (c *cli) seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Upsert the default department directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withDB(cmd, func(db *sql.DB) error {
				pg := store.NewPostgresStore(db)
				if err := store.SeedDepartments(cmd.Context(), pg, store.DefaultDepartments); err != nil {
					return err
				}
				for _, dep := range store.DefaultDepartments {
					fmt.Fprintf(cmd.OutOrStdout(), "%-10s %s\n", dep.Key, dep.Name)
				}
				return nil
			})
		},
	}
}

func (c *cli) genCertsCmd() *cobra.Command {
	var (
		dir        string
		commonName string
		force      bool
	)
	cmd := &cobra.Command{
		Use:   "gencerts",
		Short: "Generate a self-signed service provider key pair for SAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return generateCerts(cmd, dir, commonName, force)
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "./certs", "output directory")
	cmd.Flags().StringVar(&commonName, "cn", "pollbot-sp", "certificate common name")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing key pair")
	return cmd
}

func generateCerts(cmd *cobra.Command, dir, commonName string, force bool) error {
	if !force {
		if _, err := certs.Load(filepath.Join(dir, certs.KeyFileName), filepath.Join(dir, certs.CertFileName)); err == nil {
			return fmt.Errorf("key pair already present in %s (use --force to replace it)", dir)
		}
	}
	pair, err := certs.Generate(commonName)
	if err != nil {
		return err
	}
	keyPath, certPath, err := pair.WriteFiles(dir)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\nwrote %s\n", keyPath, certPath)
	return nil
}

func (c *cli) withDB(cmd *cobra.Command, fn func(*sql.DB) error) error {
	db, err := store.Open(cmd.Context(), c.cfg.DatabaseURL, store.PoolConfig(c.cfg.DBPool))
	if err != nil {
		return fmt.Errorf("database connection failed: %w", err)
	}
	defer db.Close()
	return fn(db)
}
