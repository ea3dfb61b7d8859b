package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"

	"github.com/PortNumber53/apelier/backend/internal/config"
	"github.com/PortNumber53/apelier/backend/internal/logging"
	"github.com/PortNumber53/apelier/backend/internal/migrations"
)

func main() {
	// Load environment variables
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	log, err := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		logrus.WithError(err).Fatal("failed to configure logging")
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to open database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		log.WithError(err).Fatal("failed to ping database")
	}

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	switch cmd {
	case "up":
		if err := migrations.Up(db, log); err != nil {
			log.WithError(err).Fatal("failed to apply migrations")
		}

	case "fix":
		log.Info("attempting to fix dirty database")
		if err := migrations.FixDirtyDatabase(db); err != nil {
			log.WithError(err).Fatal("failed to fix dirty database")
		}
		log.Info("database fixed")

	case "force":
		if len(os.Args) < 3 {
			log.Fatalf("usage: %s force <version>", os.Args[0])
		}
		var v uint
		if _, err := fmt.Sscanf(os.Args[2], "%d", &v); err != nil {
			log.Fatalf("invalid version number: %s", os.Args[2])
		}
		if err := migrations.ForceVersion(db, v); err != nil {
			log.WithError(err).Fatal("failed to force version")
		}
		log.WithField("version", v).Info("database version forced")

	case "status":
		st, err := migrations.CurrentStatus(db)
		if err != nil {
			log.WithError(err).Fatal("failed to read migration status")
		}
		if st.Fresh {
			fmt.Println("no migrations applied")
			return
		}
		fmt.Printf("version %d (dirty: %t)\n", st.Version, st.Dirty)

	default:
		fmt.Fprintf(os.Stderr, "Usage: %s [up|fix|force <version>|status]\n", os.Args[0])
		os.Exit(1)
	}
}
