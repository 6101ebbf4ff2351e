package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"nuha.dev/tk103tracker/internal/config"
	"nuha.dev/tk103tracker/internal/store/impl/pgstore"
	"nuha.dev/tk103tracker/internal/util"
)

// initdb creates the sample table and, given -api_key, prints the hash to
// put in api_key_hash.
func main() {
	config_path := flag.String("config", "", "config file")
	api_key := flag.String("api_key", "", "api key to hash")
	flag.Parse()

	if *api_key != "" {
		hash, err := util.HashKey(*api_key)
		if err != nil {
			log.Fatal().Err(err).Msg("unable to hash api key")
		}
		fmt.Println(hash)
	}

	cfg, err := config.Load(*config_path)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load config")
	}
	pool, err := pgxpool.Connect(context.Background(), cfg.DbUrl)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to connect to database")
	}
	defer pool.Close()
	if err := pgstore.NewStore(pool, "locations", &pgstore.StoreConfig{}).Migrate(context.Background()); err != nil {
		log.Fatal().Err(err).Msg("migration failed")
	}
	log.Info().Msg("schema ready")
}
