package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	srv "github.com/querypilot/querypilot/internal/server"
)

func migrateCMD() *cobra.Command {
	var migDir string
	var migDirDefault = "file://migrations"
	var direction string
	var steps int

	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn := os.Getenv("DATABASE_URL")
			if dsn == "" {
				host := getenv("POSTGRES_HOST", "localhost")
				port := getenv("POSTGRES_PORT", "5432")
				user := os.Getenv("POSTGRES_USER")
				pass := os.Getenv("POSTGRES_PASSWORD")
				db := os.Getenv("POSTGRES_DB")
				ssl := getenv("POSTGRES_SSLMODE", "disable")
				dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
			}
			if migDir == "" {
				migDir = migDirDefault
			}
			return srv.Migrate(migDir, dsn, direction, steps)
		},
	}
	migrate.Flags().StringVar(&migDir, "dir", migDirDefault, "migrations source (file://migrations)")
	migrate.Flags().StringVar(&direction, "direction", "up", "up or down")
	migrate.Flags().IntVar(&steps, "steps", 0, "number of steps (0 = all)")

	return migrate
}
