package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"nuha.dev/tk103tracker/internal/config"
	"nuha.dev/tk103tracker/internal/report"
	"nuha.dev/tk103tracker/internal/store/impl/pgstore"
)

func main() {
	config_path := flag.String("config", "", "config file, defaults to tk103.yaml in . or /etc/tk103")
	serial := flag.Uint64("serial", 0, "device serial number")
	date := flag.String("date", "", "date YYYY-MM-DD, defaults to the most recent date with data")
	flag.Parse()
	if *serial == 0 {
		fmt.Fprintln(os.Stderr, "usage: tripreport -serial <sn> [-date YYYY-MM-DD]")
		os.Exit(2)
	}

	cfg, err := config.Load(*config_path)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load config")
	}
	log.DefaultLogger.Level = log.ParseLevel(cfg.LogLevel)
	loc, _ := cfg.Location()

	ctx := context.Background()
	pool, err := pgxpool.Connect(ctx, cfg.DbUrl)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to connect to database")
	}
	defer pool.Close()

	st := pgstore.NewStore(pool, "locations", &pgstore.StoreConfig{Location: loc, Retries: cfg.StoreRetries, RetryBackoff: 100 * time.Millisecond})
	svc := report.NewService(st, nil, &report.Config{Location: loc, MinMoveDegrees: cfg.MinMoveDegrees})
	r, err := svc.Build(ctx, *serial, *date)
	if err != nil {
		log.Error().Err(err).Uint64("sn", *serial).Str("date", *date).Msg("unable to build report")
		os.Exit(1)
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		log.Fatal().Err(err).Msg("")
	}
}
