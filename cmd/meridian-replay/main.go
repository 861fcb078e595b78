// meridian-replay rebuilds engine state from the durable order and fill log
// without connecting to a broker, prints positions, PnL, groups and open
// orders, and optionally exports the fill log to the Parquet archive.
//
// Usage:
//
//	meridian-replay [-config config/meridian.yaml] [-marks AAPL=187.5,MSFT=401] [-archive]
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"text/tabwriter"
	"time"

	"meridian/internal/config"
	"meridian/internal/engine"
	"meridian/internal/store"
	"meridian/internal/util"
)

func main() {
	defaultCfg := "config/meridian.yaml"
	if p := os.Getenv("MERIDIAN_CONFIG"); p != "" {
		defaultCfg = p
	}
	cfgPath := flag.String("config", defaultCfg, "path to the YAML configuration")
	marksArg := flag.String("marks", "", "mark prices for unrealized PnL, e.g. AAPL=187.5,MSFT=401")
	archive := flag.Bool("archive", false, "export the fill log to storage.archive_dir")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	marks, err := parseMarks(*marksArg)
	if err != nil {
		log.Fatalf("parsing marks: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	st, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("opening store: %v", err)
	}
	defer st.Close()

	cal, err := util.NewTradingCalendar(cfg.Trading.Timezone)
	if err != nil {
		log.Fatalf("trading calendar: %v", err)
	}

	ctx := context.Background()
	eng := engine.NewEngine(nil, st, engine.Options{Calendar: cal, Log: logger})
	rep, err := eng.Recover(ctx)
	if err != nil {
		log.Fatalf("recovering state: %v", err)
	}

	fmt.Printf("replayed %d orders, %d fills, %d status events, %d groups\n",
		rep.Orders, rep.Fills, rep.StatusEvents, rep.Groups)
	for _, sym := range rep.SnapshotMismatches {
		fmt.Printf("snapshot mismatch repaired: %s\n", sym)
	}
	session := cal.SessionDate(time.Now())
	fmt.Printf("session %s (%s): realized %.2f\n", session, cal.Location(), eng.PnL().DailyRealizedPnL(session))
	printState(os.Stdout, eng, marks)

	if *archive {
		if cfg.Storage.ArchiveDir == "" {
			log.Fatalf("-archive requires storage.archive_dir")
		}
		fills, err := st.ListFills(ctx)
		if err != nil {
			log.Fatalf("loading fills: %v", err)
		}
		if err := exportArchive(ctx, fills, store.NewFillArchive(cfg.Storage.ArchiveDir), os.Stdout); err != nil {
			log.Fatalf("archiving fills: %v", err)
		}
	}
}

func printState(out io.Writer, eng *engine.Engine, marks map[string]float64) {
	pnl := eng.PnL()
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)

	fmt.Fprintln(w, "\nSYMBOL\tSIDE\tQTY\tAVG\tREALIZED\tUNREALIZED\tTOTAL\tFEES")
	for _, p := range eng.Positions().Positions() {
		sym := p.Symbol()
		fmt.Fprintf(w, "%s\t%s\t%g\t%.4f\t%.2f\t%.2f\t%.2f\t%.2f\n",
			sym, p.Side, p.Qty, p.AvgPrice,
			pnl.RealizedPnL(sym), pnl.UnrealizedPnL(marks, sym), pnl.SymbolPnL(marks, sym), pnl.Fees(sym))
	}
	fmt.Fprintf(w, "TOTAL\t\t\t\t%.2f\t%.2f\t%.2f\t%.2f\n",
		pnl.TotalRealizedPnL(), pnl.TotalUnrealizedPnL(marks), pnl.TotalPnL(marks), pnl.TotalFees())

	if groups := eng.Groups().Groups(); len(groups) > 0 {
		fmt.Fprintln(w, "\nGROUP\tTYPE\tSTATUS\tLEGS\tREALIZED\tUNREALIZED")
		gp := eng.GroupPnL()
		for _, g := range groups {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%.2f\t%.2f\n",
				g.ID, g.Type, g.Status, len(g.Legs), gp.RealizedPnL(g.ID), gp.UnrealizedPnL(g.ID, marks))
		}
	}

	if open := eng.Orders().Open(); len(open) > 0 {
		fmt.Fprintln(w, "\nOPEN ORDER\tSYMBOL\tSIDE\tQTY\tFILLED\tSTATUS")
		for _, st := range open {
			fmt.Fprintf(w, "%s\t%s\t%s\t%g\t%g\t%s\n",
				st.Order.ID, st.Order.Symbol(), st.Order.Side, st.Order.Qty, st.FilledQty, st.Status)
		}
	}
	w.Flush()
}
