// Command release_campaigns clears stuck campaign leases so the scheduler
// picks those campaigns up on its next tick. On postgres it can also resync
// the id sequences after a bulk import.
package main

import (
	"context"
	"flag"
	"time"

	"whatsapp-chatbot/internal/config"
	"whatsapp-chatbot/internal/database"
	"whatsapp-chatbot/internal/logger"
)

func main() {
	older := flag.Duration("older", 0, "release leases taken more than this long ago (default: the configured lease timeout)")
	all := flag.Bool("all", false, "release every lease regardless of age")
	syncSequences := flag.Bool("sync-sequences", false, "resync postgres id sequences")
	flag.Parse()

	envErr := config.LoadEnv()
	cfg := config.LoadConfig()
	log := logger.New(cfg.LogLevel, cfg.LogPretty)
	if envErr != nil {
		log.Warn().Err(envErr).Msg("no .env file loaded, using the process environment")
	}

	db, err := database.Open(cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open database")
	}
	store := database.NewStore(db)
	ctx := context.Background()

	age := *older
	if age <= 0 {
		age = cfg.Campaign.LeaseTimeout
	}
	n, err := store.ReleaseStaleLeases(ctx, time.Now().Add(-age), *all)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to release leases")
	}
	log.Info().Int64("released", n).Bool("all", *all).Dur("older", age).Msg("campaign leases released")

	if !*syncSequences {
		return
	}
	if cfg.Database.Driver != "postgres" {
		log.Warn().Str("driver", cfg.Database.Driver).Msg("sequence sync only applies to postgres")
		return
	}
	for _, table := range []string{"contacts", "messages", "campaigns", "campaign_logs", "appointments"} {
		query := "SELECT setval(pg_get_serial_sequence('" + table + "', 'id'), coalesce(max(id), 0) + 1, false) FROM " + table
		if err := db.WithContext(ctx).Exec(query).Error; err != nil {
			log.Error().Err(err).Str("table", table).Msg("sequence sync failed")
			continue
		}
		log.Info().Str("table", table).Msg("sequence synced")
	}
}
