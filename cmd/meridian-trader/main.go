// meridian-trader runs the execution engine: it recovers state from the
// durable log, routes signals read as JSON lines to the configured broker,
// applies the broker's fills and streams execution events over gRPC.
//
// Usage:
//
//	meridian-trader [-config config/meridian.yaml] [-signals file|-]
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"google.golang.org/grpc"

	"meridian/internal/broker"
	"meridian/internal/config"
	"meridian/internal/engine"
	"meridian/internal/feed"
	"meridian/internal/store"
	"meridian/internal/util"
)

func main() {
	defaultCfg := "config/meridian.yaml"
	if p := os.Getenv("MERIDIAN_CONFIG"); p != "" {
		defaultCfg = p
	}
	cfgPath := flag.String("config", defaultCfg, "path to the YAML configuration")
	signalsPath := flag.String("signals", "-", "JSON-lines command file, - for stdin")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.SQLitePath), 0o755); err != nil {
		log.Fatalf("creating storage directory: %v", err)
	}
	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	cal, err := util.NewTradingCalendar(cfg.Trading.Timezone)
	if err != nil {
		log.Fatalf("trading calendar: %v", err)
	}
	if now := time.Now(); cal.IsWeekend(now) {
		logger.Warn("starting on a weekend: broker orders wait for the next session",
			"session", cal.SessionDate(now), "timezone", cal.Location().String())
	}

	var (
		b     broker.Broker
		marks marker
	)
	switch cfg.Broker {
	case "alpaca":
		if !cfg.Trading.PaperMode {
			logger.Warn("paper mode disabled: orders go to a live account", "base_url", cfg.Alpaca.BaseURL)
		}
		b = broker.NewAlpacaBroker(cfg.Alpaca.APIKey, cfg.Alpaca.APISecret, cfg.Alpaca.BaseURL, logger)
	default:
		sim := broker.NewSimulatorBroker(broker.SimulatorConfig{
			AutoFill:   cfg.Simulator.AutoFill,
			FeePerUnit: cfg.Simulator.FeePerUnit,
		})
		b, marks = sim, sim
	}

	hub := feed.NewHub()
	eng := engine.NewEngine(b, st, engine.Options{
		Risk:      engine.NewRiskManager(cfg.Trading.MaxOrderQty, cfg.Trading.MaxPositionQty, cfg.Trading.MaxDailyLoss),
		Publisher: hub,
		Calendar:  cal,
		Log:       logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rep, err := eng.Recover(ctx)
	if err != nil {
		log.Fatalf("recovering state: %v", err)
	}
	logger.Info("meridian-trader starting",
		"broker", b.Name(), "paper_mode", cfg.Trading.PaperMode,
		"orders", rep.Orders, "fills", rep.Fills, "open_orders", len(eng.Orders().Open()))

	if err := eng.Start(ctx); err != nil {
		log.Fatalf("subscribing to fills: %v", err)
	}

	var gs *grpc.Server
	if cfg.Feed.Addr != "" {
		lis, err := net.Listen("tcp", cfg.Feed.Addr)
		if err != nil {
			log.Fatalf("listening on %s: %v", cfg.Feed.Addr, err)
		}
		gs = grpc.NewServer()
		feed.NewServer(hub, eng.FeedSnapshot, logger).RegisterGRPC(gs)
		go func() {
			logger.Info("execution feed listening", "addr", lis.Addr().String())
			if err := gs.Serve(lis); err != nil {
				logger.Error("gRPC server error", "error", err)
			}
		}()
	}

	in, closeIn, err := openInput(*signalsPath)
	if err != nil {
		log.Fatalf("opening signals: %v", err)
	}
	defer closeIn()

	go func() {
		stats, err := runCommands(ctx, in, eng, marks, logger)
		if err != nil && ctx.Err() == nil {
			logger.Error("reading signals", "error", err)
		}
		logger.Info("signal input drained", "lines", stats.Lines, "accepted", stats.Accepted, "failed", stats.Failed)
	}()

	<-ctx.Done()
	logger.Info("shutting down meridian-trader")

	hub.Close()
	if gs != nil {
		gs.GracefulStop()
	}

	if cfg.Storage.ArchiveDir != "" {
		archiveFills(st, store.NewFillArchive(cfg.Storage.ArchiveDir), logger)
	}

	for _, p := range eng.Positions().OpenPositions() {
		logger.Info("open position", "symbol", p.Symbol(), "side", p.Side, "qty", p.Qty, "avg_price", p.AvgPrice,
			"realized", eng.PnL().RealizedPnL(p.Symbol()))
	}
	logger.Info("session summary", "realized", eng.PnL().TotalRealizedPnL(), "fees", eng.PnL().TotalFees())
}

func openInput(path string) (io.Reader, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

// archiveFills copies the durable fill log into the Parquet archive.
func archiveFills(st store.FillStore, archive *store.FillArchive, logger *slog.Logger) {
	ctx := context.Background()
	fills, err := st.ListFills(ctx)
	if err != nil {
		logger.Error("loading fills for archive", "error", err)
		return
	}
	if err := archive.WriteFills(ctx, fills); err != nil {
		logger.Error("archiving fills", "dir", archive.DataDir, "error", err)
		return
	}
	logger.Info("fills archived", "dir", archive.DataDir, "fills", len(fills))
}
