package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/phuslu/log"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"nuha.dev/tk103tracker/internal/broker"
	"nuha.dev/tk103tracker/internal/config"
	"nuha.dev/tk103tracker/internal/event"
	"nuha.dev/tk103tracker/internal/gpsv2/device/tk103"
	gpsv2 "nuha.dev/tk103tracker/internal/gpsv2/server"
	"nuha.dev/tk103tracker/internal/gpsv2/sublist"
	"nuha.dev/tk103tracker/internal/report"
	"nuha.dev/tk103tracker/internal/store"
	"nuha.dev/tk103tracker/internal/store/impl/logstore"
	"nuha.dev/tk103tracker/internal/store/impl/pgstore"
	"nuha.dev/tk103tracker/internal/webapp"
	"nuha.dev/tk103tracker/internal/webapp/common"
	ws "nuha.dev/tk103tracker/internal/webapp/webstream"
)

func main() {
	config_path := flag.String("config", "", "config file, defaults to tk103.yaml in . or /etc/tk103")
	gps_server := flag.Bool("gps_server", true, "run gps server")
	api_server := flag.Bool("api_server", true, "run api server")
	ws_server := flag.Bool("ws_server", true, "run ws server")
	flag.Parse()

	cfg, err := config.Load(*config_path)
	if err != nil {
		log.Fatal().Err(err).Msg("unable to load config")
	}
	log.DefaultLogger.Level = log.ParseLevel(cfg.LogLevel)
	if zl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(zl)
	}
	loc, _ := cfg.Location()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st store.LocationStore
	if cfg.MockStore {
		st = logstore.NewStore()
	} else {
		pool, err := pgxpool.Connect(ctx, cfg.DbUrl)
		if err != nil {
			log.Fatal().Err(err).Msg("unable to connect to database")
		}
		defer pool.Close()
		pg := pgstore.NewStore(pool, "locations", &pgstore.StoreConfig{Location: loc, Retries: cfg.StoreRetries, RetryBackoff: 100 * time.Millisecond})
		if err := pg.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("unable to migrate database")
		}
		st = pg
	}

	bus, err := event.NewBus(cfg.NodeId, "tk103server")
	if err != nil {
		log.Fatal().Err(err).Msg("unable to create event bus")
	}

	if cfg.NatsUrl != "" {
		br, err := broker.NewBroker(&broker.BrokerConfig{Url: cfg.NatsUrl, Subject: cfg.NatsSubject})
		if err != nil {
			log.Fatal().Err(err).Msg("unable to connect to nats")
		}
		defer br.Close()
		bus.Subscribe("broker", ".*", br.Handle)
	}

	sublistmap := sublist.NewSublistMap()
	bus.Subscribe("sublist", ".*", sublistmap.Handle)

	var cache *report.Cache
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, ContextTimeoutEnabled: true})
		defer rdb.Close()
		cache = report.NewCache(rdb, cfg.ReportCacheTTL)
	}
	reports := report.NewService(st, cache, &report.Config{Location: loc, MinMoveDegrees: cfg.MinMoveDegrees})
	bus.Subscribe("report", "^"+event.TOPIC_SAMPLE+"$", reports.Handle)

	ids, err := common.NewDeviceIds(cfg.HashidSalt, cfg.HashidMinLen)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid hashid settings")
	}

	handler := tk103.NewHandler(st, bus, tk103.NewClock(loc), &tk103.HandlerConfig{StoreTimeout: cfg.StoreTimeout})
	srv := gpsv2.NewServer(handler, &gpsv2.ServerConfig{
		ListenerAddr:  cfg.ListenAddr,
		ProxyProtocol: cfg.ProxyProtocol,
		TunnelAddr:    cfg.TunnelAddr,
		TunnelToken:   cfg.TunnelToken,
		IdleTimeout:   cfg.IdleTimeout,
		WaitTimeout:   cfg.WaitTimeout,
		WriteTimeout:  cfg.WriteTimeout,
		MaxPending:    cfg.MaxPending,
		AcceptRate:    cfg.AcceptRate,
		AcceptBurst:   cfg.AcceptBurst,
	})

	wg := sync.WaitGroup{}
	run := func(name string, f func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := f(ctx); err != nil {
				log.Error().Err(err).Str("component", name).Msg("stopped with error")
				stop()
			}
		}()
	}
	if cache != nil {
		run("report-cache", reports.RunInvalidator)
	}
	if *gps_server {
		run("gps-server", srv.Run)
	}
	if *api_server {
		api := webapp.NewApi(reports, srv, ids, &webapp.ApiConfig{ListenAddr: cfg.ApiAddr, KeyHash: cfg.ApiKeyHash})
		run("api-server", api.Run)
	}
	if *ws_server {
		wss := ws.NewWebstream(sublistmap, ids, ws.WebStreamConfig{ListenAddr: cfg.WsAddr, KeyHash: cfg.ApiKeyHash})
		run("ws-server", wss.Run)
	}
	wg.Wait()
}
