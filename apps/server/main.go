package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"crushwin/apps/server/internal/auth"
	"crushwin/apps/server/internal/gateway"
	"crushwin/apps/server/internal/ledger"
	"crushwin/apps/server/internal/lobby"
	"crushwin/apps/server/internal/logging"
	"crushwin/apps/server/internal/router"
	"crushwin/apps/server/internal/wager"
	"crushwin/betting"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	log := logging.NewFromEnv()
	defer log.Sync()

	if err := run(log); err != nil {
		log.Fatal("server stopped", zap.Error(err))
	}
}

func run(log *zap.Logger) error {
	store, ledgerMode, err := ledger.NewStoreFromEnv(log)
	if err != nil {
		return err
	}
	defer store.Close()

	var db *sqlx.DB
	if sqlStore, ok := store.(*ledger.SQLStore); ok {
		db = sqlStore.DB()
	}
	sessions, authMode, err := auth.NewServiceFromEnv(db, log)
	if err != nil {
		return err
	}

	rooms := lobby.New(log)
	coordinator := wager.New(store, rooms, betting.NewSource(rngSeedFromEnv()), wager.TimeoutFromEnv(), log)
	gw := gateway.New(sessions, log)
	rt := router.New(router.Deps{
		Rooms:          rooms,
		Players:        store,
		Wagers:         coordinator,
		Sessions:       sessions,
		Broadcaster:    gw,
		InitialBalance: ledger.InitialBalanceFromEnv(),
		Log:            log,
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.Handler(rt))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	auth.NewHTTPHandler(sessions).RegisterRoutes(mux)
	ledger.NewHTTPHandler(sessions, store, log).RegisterRoutes(mux)
	lobby.NewHTTPHandler(rooms).RegisterRoutes(mux)

	addr := serverAddrFromEnv()
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("server starting",
			zap.String("addr", addr),
			zap.String("ledger_mode", ledgerMode),
			zap.String("auth_mode", authMode),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if ttl := lobby.IdleTTLFromEnv(); ttl > 0 {
		log.Info("room idle eviction enabled", zap.Duration("ttl", ttl))
		g.Go(func() error {
			rooms.RunJanitor(ctx, ttl, 0)
			return nil
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		gw.Close()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func serverAddrFromEnv() string {
	if addr := strings.TrimSpace(os.Getenv("SERVER_ADDR")); addr != "" {
		return addr
	}
	return ":8080"
}

// rngSeedFromEnv reads RNG_SEED. Zero leaves outcomes unseeded.
func rngSeedFromEnv() uint64 {
	raw := strings.TrimSpace(os.Getenv("RNG_SEED"))
	if raw == "" {
		return 0
	}
	seed, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return seed
}
