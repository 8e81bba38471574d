package main

import (
	"PerpCurve/internal/config"
	"PerpCurve/internal/observability"
	"PerpCurve/internal/persistence"
	"database/sql"
	"fmt"
	"os"

	_ "github.com/lib/pq"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: migrate <up|down|version>")
		fmt.Println("  up      - apply all pending migrations")
		fmt.Println("  down    - roll back the last migration")
		fmt.Println("  version - print the current schema version")
		fmt.Println()
		fmt.Println("Configuration is read from PERP_CONFIG (default config.yaml);")
		fmt.Println("PERP_POSTGRES_DSN and PERP_MIGRATIONS_DIR override it.")
		os.Exit(1)
	}

	log := observability.NewLogger("migrate")

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	db, err := sql.Open("postgres", cfg.Postgres.DSN)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()

	migrator := persistence.NewMigrator(db, cfg.Postgres.MigrationsDir, log)

	switch os.Args[1] {
	case "up":
		if err := migrator.Up(); err != nil {
			log.Fatal().Err(err).Msg("migrate up")
		}
		log.Info().Msg("all migrations applied")

	case "down":
		if err := migrator.Down(); err != nil {
			log.Fatal().Err(err).Msg("migrate down")
		}
		log.Info().Msg("last migration rolled back")

	case "version":
		version, dirty, err := migrator.Version()
		if err != nil {
			log.Fatal().Err(err).Msg("read version")
		}
		fmt.Printf("version %d (dirty=%t)\n", version, dirty)

	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s (use 'up', 'down' or 'version')\n", os.Args[1])
		os.Exit(1)
	}
}
