package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/wfunc/casefile/broadcast"
	"github.com/wfunc/casefile/cache"
	"github.com/wfunc/casefile/logger"
	"github.com/wfunc/casefile/monitor"
	"github.com/wfunc/casefile/persistence"
	caserpc "github.com/wfunc/casefile/rpc"
	"github.com/wfunc/casefile/scheduler"
	"github.com/wfunc/casefile/server"
	"github.com/wfunc/casefile/services"
	"github.com/wfunc/casefile/session"
)

var serveFlags struct {
	shutdownTimeout time.Duration
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the case core over net/rpc with a websocket event feed",
	Long: `Connects to PostgreSQL, migrates the schema and serves:

  rpc_address      JSON-RPC (net/rpc) service "Case"
  http_address     websocket case event feed at /ws
  metrics_address  Prometheus /metrics and expvar /debug/vars

When ledger.reconcile_interval is positive the score ledger is audited on that
interval through a separate read-only connection.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&serveFlags.shutdownTimeout, "shutdown-timeout", 15*time.Second, "Grace period for open connections on SIGINT/SIGTERM")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := persistence.NewGormPostgreSQL(cfg.Database)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Log.Info("Database connection successful.")

	auditor, err := persistence.NewPostgreSQLAuditor(cfg.Database.Postgres)
	if err != nil {
		return err
	}
	defer auditor.Close()

	var leaderboard cache.Cache = cache.Noop{}
	if cfg.Redis.Enabled {
		rc, err := cache.NewRedisCache(cfg.Redis)
		if err != nil {
			return err
		}
		defer rc.Close()
		leaderboard = rc
	}

	mon := monitor.NewMonitor(cfg.Metrics.Namespace)
	metricsServer := mon.StartServer(cfg.Server.MetricsAddress)

	sessions := session.NewManager()
	cases := services.NewCaseService(store,
		services.WithAuditor(auditor),
		services.WithMetrics(mon.Metrics()),
		services.WithNotifier(broadcast.NewCaseBroadcaster(sessions)),
		services.WithCache(leaderboard, cfg.Cache.LeaderboardTTL),
	)

	rpcServer, err := caserpc.NewServer(cfg.Server.RPCAddress)
	if err != nil {
		return err
	}
	if err := rpcServer.Register(caserpc.ServiceName, caserpc.NewCaseRPC(cases, 0)); err != nil {
		return err
	}

	caseServer := server.NewCaseServer(server.Options{
		Addr:    cfg.Server.HTTPAddress,
		Metrics: mon.Metrics(),
		RPC:     rpcServer,
	}, sessions, cases)

	if interval := cfg.Ledger.ReconcileInterval; interval > 0 {
		reconciler, err := scheduler.NewReconciler(cases, interval)
		if err != nil {
			return err
		}
		if err := reconciler.Start(ctx); err != nil {
			return err
		}
		defer reconciler.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(caseServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		logger.Log.Info("Shutting down.")
		sctx, cancel := context.WithTimeout(context.Background(), serveFlags.shutdownTimeout)
		defer cancel()
		_ = metricsServer.Shutdown(sctx)
		return caseServer.Shutdown(sctx)
	})
	return g.Wait()
}
