package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/rxvault/internal/config"
	"github.com/ehr/rxvault/internal/domain/template"
	"github.com/ehr/rxvault/internal/platform/db"
	"github.com/ehr/rxvault/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "rx-server",
		Short: "Prescription records API with field-level encryption",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(templateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// withPool loads config, opens a pool and runs fn.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return err
	}
	defer pool.Close()

	return fn(ctx, cfg, pool)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations to a tenant schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				schema, err := db.SchemaName(tenant)
				if err != nil {
					return err
				}
				fmt.Printf("Running migrations on schema: %s\n", schema)

				count, err := db.NewMigrator(pool, migrations.Files).Up(ctx, schema)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("tenant", "default", "Tenant whose schema is migrated")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				schema, err := db.SchemaName(tenant)
				if err != nil {
					return err
				}
				statuses, err := db.NewMigrator(pool, migrations.Files).Status(ctx, schema)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}

				fmt.Printf("Migration status for schema: %s\n", schema)
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("tenant", "default", "Tenant whose schema is inspected")
	cmd.AddCommand(statusCmd)

	return cmd
}

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tenant",
		Short: "Manage tenants",
	}

	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a tenant schema and apply all migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			if name == "" {
				return fmt.Errorf("--name is required")
			}
			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				schema, err := db.CreateTenantSchema(ctx, pool, name, migrations.Files)
				if err != nil {
					return err
				}
				fmt.Printf("Tenant schema %s is ready.\n", schema)
				return nil
			})
		},
	}
	createCmd.Flags().String("name", "", "Tenant identifier (alphanumeric)")

	cmd.AddCommand(createCmd)
	return cmd
}

func templateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Manage template versions",
	}

	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import template versions from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			file, _ := cmd.Flags().GetString("file")
			tenant, _ := cmd.Flags().GetString("tenant")
			if file == "" {
				return fmt.Errorf("--file is required")
			}
			versions, err := template.LoadFile(file)
			if err != nil {
				return err
			}

			return withPool(func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
				logger := newLogger(cfg.Env)
				svc := template.NewService(template.NewVersionRepoPG(pool), logger)
				return db.WithTenantConn(ctx, pool, tenant, func(ctx context.Context) error {
					return db.RunInTx(ctx, pool, func(ctx context.Context) error {
						for _, v := range versions {
							if err := svc.Import(ctx, v); err != nil {
								return fmt.Errorf("import %s: %w", v.Code, err)
							}
							fmt.Printf("Imported %s version %d\n", v.Code, v.Version)
						}
						return nil
					})
				})
			})
		},
	}
	importCmd.Flags().String("file", "", "YAML file with one or more template versions")
	importCmd.Flags().String("tenant", "default", "Tenant receiving the templates")

	cmd.AddCommand(importCmd)
	return cmd
}
