// Command migrate applies or rolls back the embedded database migrations.
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/vayulabs/vayu-gateway/internal/infra/persistence/migrations"
)

func main() {
	_ = godotenv.Load()

	dsn := flag.String("dsn", os.Getenv("DATABASE_URL"), "Postgres connection string")
	down := flag.Bool("down", false, "Roll back the most recent migration instead of applying")
	flag.Parse()

	logger := log.New(os.Stdout, "vayu-migrate ", log.LstdFlags)
	if *dsn == "" {
		logger.Fatal("no DSN: pass -dsn or set DATABASE_URL")
	}

	ctx := context.Background()
	var err error
	if *down {
		err = migrations.Rollback(ctx, *dsn, logger)
	} else {
		err = migrations.Apply(ctx, *dsn, logger)
	}
	if err != nil {
		logger.Fatalf("migration failed: %v", err)
	}
}
