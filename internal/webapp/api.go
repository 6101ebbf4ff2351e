package webapp

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	zlog "github.com/rs/zerolog/log"
	"nuha.dev/tk103tracker/internal/report"
	"nuha.dev/tk103tracker/internal/util"
	"nuha.dev/tk103tracker/internal/webapp/common"
	"nuha.dev/tk103tracker/internal/webapp/tracker"
)

type ApiConfig struct {
	ListenAddr string
	// KeyHash is the bcrypt hash of the API key, empty disables the check.
	KeyHash string
}

type Api struct {
	r      chi.Router
	s      *http.Server
	config *ApiConfig
	log    zerolog.Logger
}

func NewApi(reports *report.Service, conns tracker.ConnLister, ids *common.DeviceIds, config *ApiConfig) *Api {
	api := &Api{config: config}
	api.log = zlog.With().Str("module", "api-server").Logger()
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(hlog.NewHandler(api.log))
	r.Use(hlog.RemoteAddrHandler("ip"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("")
	}))
	r.Use(middleware.Recoverer)

	disp := NewDispatcher()
	tracker_api := tracker.NewTrackerApi(reports, conns, ids)
	disp.Add("GetAvailableDates", tracker_api.GetAvailableDates)
	disp.Add("GetTripReport", tracker_api.GetTripReport)
	disp.Add("GetConnections", tracker_api.GetConnections)
	disp.Add("GetDeviceId", tracker_api.GetDeviceId)

	r.With(api.keyCheck).Post("/func/{name}", func(w http.ResponseWriter, r *http.Request) {
		disp.Call(chi.URLParam(r, "name"), w, r)
	})

	api.r = r
	api.s = &http.Server{
		Addr:           api.config.ListenAddr,
		Handler:        r,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return api
}

func (api *Api) Handler() http.Handler {
	return api.r
}

// Run serves until ctx is cancelled.
func (api *Api) Run(ctx context.Context) error {
	api.log.Info().Msgf("starting api-server on : %s", api.s.Addr)
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		api.s.Shutdown(sctx)
	}()
	err := api.s.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		api.log.Error().Err(err).Msg("")
		return err
	}
	return nil
}

func requestKey(r *http.Request) string {
	if k := r.Header.Get("X-API-Key"); k != "" {
		return k
	}
	return strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
}

func (api *Api) keyCheck(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !util.CheckKey(api.config.KeyHash, requestKey(r)) {
			hlog.FromRequest(r).Debug().Msg("rejected api key")
			util.JsonWrite(w, http.StatusUnauthorized, &common.ErrorResponse{Error: http.StatusText(http.StatusUnauthorized)})
			return
		}
		next.ServeHTTP(w, r)
	})
}
