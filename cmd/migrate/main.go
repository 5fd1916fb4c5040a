package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"civicpulse.org/internal/config"
	"civicpulse.org/internal/migrate"
	"civicpulse.org/ops/migrations"
)

func main() {
	log.SetFlags(0)
	if err := config.LoadDotEnv(); err != nil {
		log.Fatal(err)
	}
	var (
		dsn   = flag.String("dsn", os.Getenv("CIVICPULSE_PG_DSN"), "PostgreSQL DSN")
		dir   = flag.String("dir", "", "read migrations from this directory instead of the embedded set")
		table = flag.String("table", "", "migrations bookkeeping table")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or CIVICPULSE_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrations.FS, migrations.Dir, migrate.WithMigrationsTable(*table))
	if *dir != "" {
		mgr = migrate.NewManager(db, os.DirFS(*dir), ".", migrate.WithMigrationsTable(*table))
	}

	switch flag.Arg(0) {
	case "up":
		var applied []string
		applied, err = mgr.Up(ctx)
		for _, name := range applied {
			fmt.Println("applied", name)
		}
	case "down":
		var name string
		name, err = mgr.Down(ctx)
		if err == nil {
			fmt.Println("rolled back", name)
		}
	case "status":
		var st migrate.State
		st, err = mgr.Status(ctx)
		if err == nil {
			for _, name := range st.Applied {
				fmt.Println("applied ", name)
			}
			for _, name := range st.Pending {
				fmt.Println("pending ", name)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
