package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"strategy-agent/config"
	"strategy-agent/internal/events"
	"strategy-agent/internal/logging"
	"strategy-agent/internal/models"
	"strategy-agent/internal/runtime"
)

// papertrade runs one strategy against live market data with simulated
// execution, entirely in memory. Useful for trying out a request file
// before creating the strategy through the API.
func main() {
	requestPath := flag.String("request", "", "path to a strategy request JSON file")
	cycles := flag.Int("cycles", 0, "stop after this many decision cycles (0 = run until interrupted)")
	verbose := flag.Bool("verbose", false, "debug logging on stderr")
	flag.Parse()

	if *requestPath == "" {
		fmt.Println("Usage: papertrade -request strategy.json [-cycles N] [-verbose]")
		os.Exit(1)
	}

	_ = godotenv.Load()

	raw, err := os.ReadFile(*requestPath)
	if err != nil {
		fmt.Printf("Failed to read request file: %v\n", err)
		os.Exit(1)
	}
	var req models.UserRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		fmt.Printf("Failed to parse request file: %v\n", err)
		os.Exit(1)
	}

	// This command never touches real money.
	if req.ExchangeConfig.TradingMode == models.ModeLive {
		fmt.Println("Request asks for live mode; forcing virtual execution")
	}
	req.ExchangeConfig.TradingMode = models.ModeVirtual

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	level := "WARN"
	if *verbose {
		level = "DEBUG"
	}
	logger := logging.New(&logging.Config{Level: level, Output: "stderr"})

	store := runtime.NewMemoryStore()
	bus := events.NewEventBus()

	strategyID := runtime.NewStrategyID()
	strat, err := runtime.New(context.Background(), strategyID, &req, runtime.Deps{
		Config: cfg,
		Store:  store,
		Bus:    bus,
		Logger: logger,
	})
	if err != nil {
		fmt.Printf("Failed to build strategy: %v\n", err)
		os.Exit(1)
	}

	// The decision loop runs only while the stored row says running.
	store.PutStrategy(&models.StrategyRecord{
		StrategyID: strategyID,
		Name:       req.TradingConfig.StrategyName,
		Status:     models.StatusRunning,
		Config:     &req,
	})

	fmt.Printf("Paper trading %v  composer=%s  market=%s  capital=%.2f  interval=%ds\n",
		req.TradingConfig.Symbols,
		req.TradingConfig.Composer,
		req.ExchangeConfig.MarketType,
		req.TradingConfig.InitialCapital,
		req.TradingConfig.DecideIntervalSec)

	// Funnel bus events into one channel so output never interleaves.
	eventCh := make(chan events.Event, 64)
	bus.Subscribe(events.EventStrategyCycle, func(ev events.Event) { eventCh <- ev })
	bus.Subscribe(events.EventStrategyError, func(ev events.Event) { eventCh <- ev })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		strat.Controller.Run(ctx)
		close(done)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	seen := 0
	for running := true; running; {
		select {
		case ev := <-eventCh:
			switch ev.Type {
			case events.EventStrategyCycle:
				if ev.Cycle == nil {
					continue
				}
				seen++
				printCycle(seen, ev.Cycle)
				if *cycles > 0 && seen >= *cycles {
					// Flip the kill switch; the loop winds down with a
					// normal stop on its next check.
					_ = store.SetStrategyStatus(context.Background(), strategyID, models.StatusStopped)
					running = false
				}
			case events.EventStrategyError:
				if ev.Error != nil {
					fmt.Printf("  error [%s]: %s\n", ev.Error.Source, ev.Error.Message)
				}
			}
		case <-sigChan:
			fmt.Println("\nInterrupted")
			cancel()
			running = false
		case <-done:
			running = false
		}
	}

	<-done
	printFinal(store, strategyID)
}

func printCycle(n int, cycle *models.DecisionCycleResult) {
	ts := time.UnixMilli(cycle.Ts).Format("15:04:05")
	fmt.Printf("[%s] cycle %d  equity=%.2f  cash=%.2f  instructions=%d  trades=%d\n",
		ts, n, cycle.Portfolio.TotalValue, cycle.Portfolio.FreeCash,
		len(cycle.Instructions), len(cycle.Trades))
	if cycle.Rationale != "" {
		fmt.Printf("  rationale: %s\n", cycle.Rationale)
	}
	for _, trade := range cycle.Trades {
		price := 0.0
		if trade.ExitPrice != nil {
			price = *trade.ExitPrice
		} else if trade.EntryPrice != nil {
			price = *trade.EntryPrice
		}
		line := fmt.Sprintf("  %s %s %.6f @ %.4f", trade.Side, trade.Instrument.Symbol, trade.Quantity, price)
		if trade.RealizedPnl != nil {
			line += fmt.Sprintf("  pnl=%.2f", *trade.RealizedPnl)
		}
		fmt.Println(line)
	}
}

func printFinal(store *runtime.MemoryStore, strategyID string) {
	fmt.Println()
	summary, ok := store.Summary(strategyID)
	if !ok {
		fmt.Println("No summary recorded")
		return
	}
	fmt.Printf("Final: equity=%.2f  cash=%.2f  trades=%d  wins=%d  losses=%d  realized_pnl=%.2f  pnl_pct=%.2f%%\n",
		summary.TotalValue, summary.FreeCash, summary.TotalTrades,
		summary.Wins, summary.Losses, summary.RealizedPnl, summary.PnlPct)
	if summary.SharpeRatio != 0 {
		fmt.Printf("Sharpe: %.3f\n", summary.SharpeRatio)
	}
	if snaps := store.Snapshots(strategyID); len(snaps) > 0 {
		fmt.Printf("Snapshots recorded: %d\n", len(snaps))
	}
}
