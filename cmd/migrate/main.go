package main

import (
	"context"
	"flag"
	"fmt"

	"ticket-reservation/internal/config"
	"ticket-reservation/internal/database"
	"ticket-reservation/internal/database/migrations"
	"ticket-reservation/internal/logger"

	"github.com/joho/godotenv"
)

func main() {
	log := logger.New("migrate")
	defer log.Close()

	if err := godotenv.Load(); err != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	}
	cfg := config.Load()

	action := flag.String("action", "up", "migration action: up, down, to, version")
	target := flag.Uint("version", 0, "target version for -action=to")
	seed := flag.Bool("seed", cfg.Migrations.SeedData, "also apply demo seed data")
	dir := flag.String("dir", cfg.Migrations.Dir, "migrations directory")
	flag.Parse()

	bunDB, err := database.Connect(context.Background(), cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}
	defer bunDB.Close()

	runner := migrations.NewRunner(bunDB, migrations.MigrateOptions{MigrationsDir: *dir, SeedData: *seed}, log)
	defer runner.Close()

	switch *action {
	case "up":
		err = runner.RunMigrations()
	case "down":
		err = runner.MigrateDown()
	case "to":
		err = runner.MigrateTo(*target)
	case "version":
		var version uint
		var dirty bool
		version, dirty, err = runner.Version()
		if err == nil {
			log.Info("MIGRATE", fmt.Sprintf("version=%d dirty=%t", version, dirty))
		}
	default:
		err = fmt.Errorf("unknown action %q", *action)
	}
	if err != nil {
		log.Fatal("MIGRATE", err.Error())
	}
	log.Info("MIGRATE", fmt.Sprintf("%s completed", *action))
}
