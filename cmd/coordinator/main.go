// Command coordinator runs the ShutterSense fleet coordinator: the REST
// and WebSocket boundary, the offline sweep, and the fleet metrics
// refresh, all sharing one Postgres-backed store.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/fabrice-guiot/shuttersense-sub003/internal/auth"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/broadcast"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/config"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/jobs"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/liveness"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/metrics"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/registration"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/store/postgres"
	"github.com/fabrice-guiot/shuttersense-sub003/internal/webapi"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		logrus.WithError(err).Fatal("invalid configuration")
	}
	cfg.SetupLogging()
	log := logrus.StandardLogger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := postgres.Open(ctx, cfg.PostgresDSN, log)
	if err != nil {
		log.WithError(err).Fatal("failed to open store")
	}
	defer st.Close(context.Background())

	clock := clockwork.NewRealClock()
	gate, err := auth.NewGate(cfg, st, clock, log)
	if err != nil {
		log.WithError(err).Fatal("failed to build authentication gate")
	}

	bc := broadcast.New(log)
	reg := registration.New(st, clock, cfg.AttestationEnforced)
	live := liveness.New(st, clock, cfg.HeartbeatTimeout, bc, log)
	coord := jobs.New(st, bc, log)

	h := &webapi.Handler{
		Store:        st,
		Gate:         gate,
		Registration: reg,
		Liveness:     live,
		Jobs:         coord,
		Broadcast:    bc,
		Log:          log,
	}

	mux := http.NewServeMux()
	mux.Handle("/", webapi.NewRouter(h))
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go live.Run(ctx, cfg.HeartbeatSweepInterval)
	go metrics.RunFleetRefresh(ctx, clock, cfg.HeartbeatSweepInterval, st, log)

	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("coordinator listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("server exited unexpectedly")
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("graceful shutdown did not complete cleanly")
	}
}
