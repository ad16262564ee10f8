package main

import (
	"database/sql"
	"flag"
	"log"
	"os"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	_ "github.com/lib/pq"

	"github.com/technosupport/ts-license/internal/config"
)

// Schema migration runner. The DSN resolves the same way the server's does:
// LICENSE_DB_DSN first, then the config file.
func main() {
	up := flag.Bool("up", false, "apply all pending migrations")
	down := flag.Bool("down", false, "roll back all migrations")
	steps := flag.Int("steps", 0, "apply +/- n migrations")
	source := flag.String("source", "file://db/migrations", "migration source URL")
	flag.Parse()

	dsn := resolveDSN()
	if dsn == "" {
		log.Fatal("database DSN not configured (set LICENSE_DB_DSN or database.dsn)")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		log.Fatalf("ping database: %v", err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("migrate driver: %v", err)
	}
	m, err := migrate.NewWithDatabaseInstance(*source, "postgres", driver)
	if err != nil {
		log.Fatalf("init migrate: %v", err)
	}

	start := time.Now()
	switch {
	case *up:
		run("up", m.Up)
	case *down:
		run("down", m.Down)
	case *steps != 0:
		run("steps", func() error { return m.Steps(*steps) })
	default:
		version, dirty, err := m.Version()
		if err != nil {
			log.Println("no schema version recorded (empty database?)")
		} else {
			log.Printf("schema version %d, dirty=%v", version, dirty)
		}
		log.Println("use -up, -down or -steps to migrate")
		return
	}
	log.Printf("done in %v", time.Since(start))
}

func resolveDSN() string {
	if dsn := os.Getenv("LICENSE_DB_DSN"); dsn != "" {
		return dsn
	}
	path := os.Getenv("LICENSE_CONFIG")
	if path == "" {
		path = "config/default.yaml"
	}
	cfg, err := config.Load(path)
	if err != nil {
		log.Printf("config %s unreadable: %v", path, err)
		return ""
	}
	return cfg.Database.DSN
}

func run(name string, fn func() error) {
	log.Printf("running %s migrations", name)
	if err := fn(); err != nil && err != migrate.ErrNoChange {
		log.Fatalf("migration %s failed: %v", name, err)
	}
}
