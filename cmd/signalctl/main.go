package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/archive"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/config"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/notify"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/precision"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/signal"
	"github.com/vacheslav-hab/TG-BOT-EMA20/internal/store"
)

const defaultConfigPath = "internal/config/config.yaml"

func main() {
	reader := bufio.NewReader(os.Stdin)
	path := defaultConfigPath
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	_ = config.LoadEnvFile(".env")

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	for {
		fmt.Println("\n=== EMA20 Signals Control ===")
		fmt.Println("1) Show configuration summary")
		fmt.Println("2) Edit signal thresholds")
		fmt.Println("3) Save config")
		fmt.Println("4) Show statistics")
		fmt.Println("5) List open signals")
		fmt.Println("6) Daily report")
		fmt.Println("7) Export signals to CSV")
		fmt.Println("8) Clean up old closed signals")
		fmt.Println("9) Launch signal bot")
		fmt.Println("0) Exit")
		fmt.Print("Select option: ")

		input, _ := reader.ReadString('\n')
		switch strings.TrimSpace(input) {
		case "1":
			printSummary(cfg)
		case "2":
			editThresholds(reader, cfg)
		case "3":
			if err := cfg.Validate(); err != nil {
				fmt.Fprintf(os.Stderr, "not saved: %v\n", err)
			} else if err := config.Save(path, cfg); err != nil {
				fmt.Fprintf(os.Stderr, "save failed: %v\n", err)
			} else {
				fmt.Println("config saved")
			}
		case "4":
			withStore(cfg, showStats)
		case "5":
			withStore(cfg, showOpen)
		case "6":
			day := promptString(reader, "Day (YYYY-MM-DD)", time.Now().UTC().Format(store.DayLayout))
			withStore(cfg, func(ctx context.Context, st *store.Store) error { return showDaily(ctx, st, day) })
		case "7":
			out := promptString(reader, "CSV file", "signals.csv")
			withStore(cfg, func(ctx context.Context, st *store.Store) error { return exportCSV(ctx, st, out) })
		case "8":
			withStore(cfg, func(ctx context.Context, st *store.Store) error { return cleanup(ctx, cfg, st) })
		case "9":
			launchBot(reader, path)
		case "0":
			return
		default:
			fmt.Println("unknown option")
		}
	}
}

func printSummary(cfg *config.Config) {
	fmt.Println("\n--- Configuration Summary ---")
	fmt.Printf("Provider: %s | data dir: %s\n", cfg.Exchange.Provider, cfg.App.DataDir)
	fmt.Printf("Strategy: %s, EMA%d on %s\n", cfg.Strategy.Mode, cfg.Strategy.EMAPeriod, cfg.Strategy.Timeframe)
	fmt.Printf("Touch tolerance: %.3f%% | side epsilon: %.4f%%\n", cfg.Strategy.TouchTolerance*100, cfg.Strategy.SideEpsilon*100)
	fmt.Printf("Max candle age: %.1fh | slope filter: %t\n", cfg.Strategy.MaxCandleAgeHours, cfg.Strategy.RequireSlopeAlignment)
	fmt.Printf("Cooldown: %d min | global limit: %d/min | poll: %ds\n", cfg.Signals.CooldownMinutes, cfg.Signals.GlobalLimitPerMin, cfg.Signals.PollIntervalSec)
	fmt.Printf("Universe: %d symbols, min volume $%.0f\n", cfg.Universe.SymbolCount, cfg.Universe.MinVolumeUSDT)
	if len(cfg.Universe.Symbols) > 0 {
		fmt.Println("Manual symbols:", strings.Join(cfg.Universe.Symbols, ", "))
	}
	fmt.Printf("Wide bar policy: %s\n", cfg.Monitor.WideBarPolicy)
	fmt.Printf("Telegram: %t | API: %s\n", cfg.Telegram.BotToken != "", cfg.API.Addr)
}

func editThresholds(reader *bufio.Reader, cfg *config.Config) {
	fmt.Println("\n--- Edit Thresholds ---")
	cfg.Strategy.TouchTolerance = promptPercent(reader, "Touch tolerance (%)", cfg.Strategy.TouchTolerance)
	cfg.Strategy.MaxCandleAgeHours = promptFloat(reader, "Max candle age (hours)", cfg.Strategy.MaxCandleAgeHours)
	cfg.Signals.CooldownMinutes = int(promptFloat(reader, "Cooldown (minutes)", float64(cfg.Signals.CooldownMinutes)))
	cfg.Signals.GlobalLimitPerMin = int(promptFloat(reader, "Global signals per minute", float64(cfg.Signals.GlobalLimitPerMin)))
	cfg.Signals.PollIntervalSec = int(promptFloat(reader, "Poll interval (seconds)", float64(cfg.Signals.PollIntervalSec)))
	cfg.Universe.SymbolCount = int(promptFloat(reader, "Symbol count", float64(cfg.Universe.SymbolCount)))
	cfg.Universe.MinVolumeUSDT = promptFloat(reader, "Min 24h volume (USDT)", cfg.Universe.MinVolumeUSDT)
	if err := cfg.Validate(); err != nil {
		fmt.Printf("warning: %v\n", err)
	}
}

func withStore(cfg *config.Config, fn func(context.Context, *store.Store) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	st, err := store.Open(cfg.Resolve(cfg.Store.File), zerolog.Nop(), store.WithLockTimeout(cfg.LockTimeout()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		return
	}
	if err := fn(ctx, st); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
}

func showStats(ctx context.Context, st *store.Store) error {
	stats, err := st.Statistics(ctx)
	if err != nil {
		fmt.Println(notify.DataUnavailable)
		return err
	}
	fmt.Println(notify.FormatStats(stats))
	return nil
}

func showOpen(ctx context.Context, st *store.Store) error {
	active, err := st.ActiveSignals(ctx)
	if err != nil {
		fmt.Println(notify.DataUnavailable)
		return err
	}
	fmt.Println(notify.FormatStatus(active))
	return nil
}

func showDaily(ctx context.Context, st *store.Store, raw string) error {
	day, err := time.Parse(store.DayLayout, raw)
	if err != nil {
		return fmt.Errorf("bad day %q: %w", raw, err)
	}
	doc, err := st.Load(ctx)
	if err != nil {
		return err
	}
	r := doc.DailyReport(day)
	fmt.Printf("\n--- %s ---\n", r.Date)
	fmt.Printf("Created %d | closed %d | open %d\n", r.Created, r.Closed, r.Open)
	fmt.Printf("TP1 %d | TP2 %d | SL %d | win rate %s%%\n", r.TP1Hits, r.TP2Hits, r.SLHits, r.WinRate.StringFixed(2))
	fmt.Printf("PnL %s%%\n", r.PnL.StringFixed(2))
	for _, s := range r.Signals {
		fmt.Printf("  %s %-5s %-9s %s\n", s.Symbol, s.Direction, s.Status, precision.FormatPrice(s.EntryPrice))
	}
	return nil
}

func exportCSV(ctx context.Context, st *store.Store, path string) error {
	doc, err := st.Load(ctx)
	if err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := doc.WriteCSV(f); err != nil {
		return err
	}
	fmt.Printf("wrote %d signals to %s\n", len(doc.All()), path)
	return nil
}

func cleanup(ctx context.Context, cfg *config.Config, st *store.Store) error {
	var keep func([]*signal.Signal) error
	if cfg.Store.ArchiveFile != "" {
		arch, err := archive.Open(cfg.Resolve(cfg.Store.ArchiveFile))
		if err != nil {
			return err
		}
		defer arch.Close()
		keep = func(sigs []*signal.Signal) error { return arch.Save(ctx, sigs) }
	}
	removed, err := st.Cleanup(ctx, time.Duration(cfg.Signals.CleanupAfterDays)*24*time.Hour, keep)
	if err != nil {
		return err
	}
	fmt.Printf("removed %d closed signals older than %d days\n", removed, cfg.Signals.CleanupAfterDays)
	return nil
}

func launchBot(reader *bufio.Reader, configPath string) {
	fmt.Println("Launching signal bot (Ctrl+C to stop)...")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := exec.CommandContext(ctx, "go", "run", "./cmd/signalbot", "-config", configPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start bot: %v\n", err)
		return
	}
	go func() {
		_ = cmd.Wait()
		cancel()
	}()

	fmt.Print("\nPress ENTER to stop the bot and return to menu...")
	_, _ = reader.ReadString('\n')
	cancel()
	time.Sleep(500 * time.Millisecond)
}

func promptString(reader *bufio.Reader, label, current string) string {
	fmt.Printf("%s [%s]: ", label, current)
	line, _ := reader.ReadString('\n')
	if line = strings.TrimSpace(line); line == "" {
		return current
	}
	return line
}

func promptFloat(reader *bufio.Reader, label string, current float64) float64 {
	fmt.Printf("%s [%g]: ", label, current)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return current
	}
	val, err := strconv.ParseFloat(line, 64)
	if err != nil {
		fmt.Printf("invalid number, keeping %g\n", current)
		return current
	}
	return val
}

func promptPercent(reader *bufio.Reader, label string, current float64) float64 {
	return promptFloat(reader, label, current*100) / 100
}
