package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"meridian/internal/domain"
	"meridian/internal/engine"
)

// command is one JSON line of trader input. Exactly one field is set; a line
// that is a bare signal object is accepted too.
//
//	{"signal": {"strategy_id": "mr", "symbol": "AAPL", "type": "BUY", "metadata": {"quantity": "10"}}}
//	{"group": {"type": "STRADDLE", "legs": [{...}, {...}]}}
//	{"cancel": "<correlation id>"}
//	{"mark": {"symbol": "AAPL", "price": 187.5}}
type command struct {
	Signal *domain.Signal `json:"signal,omitempty"`
	Group  *groupCommand  `json:"group,omitempty"`
	Cancel string         `json:"cancel,omitempty"`
	Mark   *markCommand   `json:"mark,omitempty"`
}

type groupCommand struct {
	Type domain.GroupType `json:"type"`
	Legs []domain.Signal  `json:"legs"`
}

type markCommand struct {
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
}

// marker receives mark prices. The paper broker uses them to fill orders.
type marker interface {
	SetPrice(symbol string, price float64)
}

func parseCommand(line []byte) (command, error) {
	var cmd command
	if err := json.Unmarshal(line, &cmd); err != nil {
		return cmd, err
	}
	if cmd.Signal != nil || cmd.Group != nil || cmd.Cancel != "" || cmd.Mark != nil {
		return cmd, nil
	}
	var sig domain.Signal
	if err := json.Unmarshal(line, &sig); err != nil {
		return cmd, err
	}
	if sig.Type == "" {
		return cmd, fmt.Errorf("line is neither a command nor a signal")
	}
	cmd.Signal = &sig
	return cmd, nil
}

// inputStats counts what runCommands did.
type inputStats struct {
	Lines    int
	Accepted int
	Failed   int
}

// runCommands reads JSON-lines commands from r and applies them to eng until
// r is exhausted or ctx is cancelled. Bad lines and rejected commands are
// logged and skipped.
func runCommands(ctx context.Context, r io.Reader, eng *engine.Engine, marks marker, log *slog.Logger) (inputStats, error) {
	var stats inputStats
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for sc.Scan() {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		stats.Lines++

		cmd, err := parseCommand([]byte(line))
		if err != nil {
			stats.Failed++
			log.Warn("skipping input line", "line", stats.Lines, "error", err)
			continue
		}
		if err := apply(ctx, cmd, eng, marks, log); err != nil {
			stats.Failed++
			log.Warn("command failed", "line", stats.Lines, "error", err)
			continue
		}
		stats.Accepted++
	}
	return stats, sc.Err()
}

func apply(ctx context.Context, cmd command, eng *engine.Engine, marks marker, log *slog.Logger) error {
	switch {
	case cmd.Signal != nil:
		st, err := eng.HandleSignal(ctx, *cmd.Signal)
		if err != nil {
			return err
		}
		log.Debug("signal accepted", "order_id", st.Order.ID, "status", st.Status)
	case cmd.Group != nil:
		g, err := eng.SubmitGroup(ctx, cmd.Group.Type, cmd.Group.Legs)
		if err != nil {
			return err
		}
		log.Debug("group accepted", "group_id", g.ID, "legs", len(g.Legs))
	case cmd.Cancel != "":
		if _, err := eng.CancelOrder(ctx, cmd.Cancel); err != nil {
			return err
		}
	case cmd.Mark != nil:
		if marks == nil {
			return fmt.Errorf("mark for %s: broker takes no marks", cmd.Mark.Symbol)
		}
		if cmd.Mark.Symbol == "" || !(cmd.Mark.Price > 0) {
			return fmt.Errorf("mark %+v: symbol and positive price required", *cmd.Mark)
		}
		marks.SetPrice(cmd.Mark.Symbol, cmd.Mark.Price)
	}
	return nil
}
