// ABOUTME: Entry point for the leadwatch monitoring service
// ABOUTME: Wires sessions, monitor, processor, payments, and the bot front-end

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/leadwatch/leadwatch/internal/bot"
	"github.com/leadwatch/leadwatch/internal/config"
	"github.com/leadwatch/leadwatch/internal/egress"
	"github.com/leadwatch/leadwatch/internal/history"
	"github.com/leadwatch/leadwatch/internal/monitor"
	"github.com/leadwatch/leadwatch/internal/payments"
	"github.com/leadwatch/leadwatch/internal/platform/telegram"
	"github.com/leadwatch/leadwatch/internal/processor"
	"github.com/leadwatch/leadwatch/internal/sessions"
	"github.com/leadwatch/leadwatch/internal/store"
	"github.com/leadwatch/leadwatch/internal/tariff"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
 _                _               _       _
| | ___  __ _  __| |_      ____ _| |_ ___| |__
| |/ _ \/ _' |/ _' \ \ /\ / / _' | __/ __| '_ \
| |  __/ (_| | (_| |\ V  V / (_| | || (__| | | |
|_|\___|\__,_|\__,_| \_/\_/ \__,_|\__\___|_| |_|
`

// getConfigPath returns the path to the parameters file.
// Priority: LEADWATCH_CONFIG env var > XDG_CONFIG_HOME/leadwatch/parameters.yaml > ~/.config/leadwatch/parameters.yaml
func getConfigPath() string {
	if envPath := os.Getenv("LEADWATCH_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "parameters.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "leadwatch", "parameters.yaml")
}

// getDataPath returns the path to the leadwatch data directory, which holds
// the database and the session credential directories.
// Priority: LEADWATCH_DATA env var > XDG_DATA_HOME/leadwatch > ~/.local/share/leadwatch
func getDataPath() string {
	if envPath := os.Getenv("LEADWATCH_DATA"); envPath != "" {
		return envPath
	}

	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "leadwatch")
}

// getHTTPAddr returns the webhook listen address.
func getHTTPAddr() string {
	if addr := os.Getenv("LEADWATCH_HTTP_ADDR"); addr != "" {
		return addr
	}
	return ":8080"
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: leadwatch <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve   Start the monitoring service")
		fmt.Println("  init    Create a new parameters file interactively")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()
	dataPath := getDataPath()
	httpAddr := getHTTPAddr()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	// Version info
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Setup logger
	logger := setupLogger()

	// Startup info
	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:  %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Data:    %s\n", dataPath)
	green.Print("    ▶ ")
	fmt.Printf("Webhook: %s\n", httpAddr)
	fmt.Println()

	logger.Info("starting leadwatch",
		"config", configPath,
		"data", dataPath,
		"http_addr", httpAddr,
	)

	realtimeDir := filepath.Join(dataPath, "sessions", "realtime")
	historyDir := filepath.Join(dataPath, "sessions", "history")
	for _, dir := range []string{dataPath, realtimeDir, historyDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	// Storage
	st, err := store.NewSQLiteStore(filepath.Join(dataPath, "leadwatch.db"))
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer st.Close()

	if _, err := st.EnsureZeroPlan(ctx); err != nil {
		return fmt.Errorf("ensuring free plan: %w", err)
	}

	// Bot API connection, shared by the front-end and all notifications
	api, err := tgbotapi.NewBotAPI(cfg.Snapshot().BotToken)
	if err != nil {
		return fmt.Errorf("connecting to bot API: %w", err)
	}
	notifier := egress.NewBot(api, logger)

	// Message processor
	proc := processor.New(st, notifier, logger)
	procCtx, procCancel := context.WithCancel(context.Background())
	defer procCancel()
	proc.Start(procCtx)

	// Session pools
	dialer := telegram.NewDialer(logger)

	realtimeCreds, err := telegram.LoadCredentials(realtimeDir, logger)
	if err != nil {
		return fmt.Errorf("loading realtime credentials: %w", err)
	}
	realtime := sessions.NewPool("realtime", realtimeCreds, dialer, logger)
	if err := realtime.Connect(ctx); err != nil {
		logger.Warn("realtime pool degraded", "error", err)
	}

	historyCreds, err := telegram.LoadCredentials(historyDir, logger)
	if err != nil {
		return fmt.Errorf("loading history credentials: %w", err)
	}
	historyPool := sessions.NewPool("history", historyCreds, dialer, logger)

	// Monitoring engine
	mon := monitor.New(st, realtime, proc, logger)
	if n, err := mon.RestartAllActive(ctx); err != nil {
		logger.Warn("initial subscription sweep failed", "error", err)
	} else {
		logger.Info("initial subscription sweep complete", "chats", n)
	}

	// Supporting services
	checker := tariff.NewChecker(st, notifier, logger)
	extractor := history.NewExtractor(historyPool, logger)
	paySvc := payments.NewService(st, cfg, notifier, logger)

	webhookSrv := &http.Server{
		Addr:    httpAddr,
		Handler: payments.NewWebhook(paySvc, cfg, logger).Handler(),
	}

	front := bot.New(bot.Deps{
		API:       api,
		Store:     st,
		Config:    cfg,
		Checker:   checker,
		Monitor:   mon,
		Realtime:  realtime,
		History:   historyPool,
		Extractor: extractor,
		Payments:  paySvc,
		Notifier:  notifier,
		Logger:    logger,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := webhookSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("webhook server: %w", err)
		}
	}()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); mon.Run(ctx) }()
	go func() { defer wg.Done(); checker.Run(ctx) }()
	go func() { defer wg.Done(); front.Run(ctx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	// Ordered shutdown: stop the inbound surfaces, drain the processor,
	// then disconnect sessions and close storage.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := webhookSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("webhook shutdown", "error", err)
	}
	wg.Wait()

	procCancel()
	proc.Wait()

	realtime.Shutdown(shutdownCtx)
	historyPool.Shutdown(shutdownCtx)

	logger.Info("shutdown complete")
	return nil
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch os.Getenv("LEADWATCH_LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	if os.Getenv("LEADWATCH_LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	// Format timestamp
	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	// Colorize level
	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	// Print message
	buf.WriteString(r.Message)

	// Print handler-level attrs first (from WithAttrs)
	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	// Print record attrs
	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("leadwatch configuration setup")
	fmt.Println("=============================")
	fmt.Println()

	defaultConfigPath := getConfigPath()
	defaultDataPath := getDataPath()

	outputFile := prompt(reader, "Config file path", defaultConfigPath)

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Bot Configuration ---")
	botToken := prompt(reader, "Bot API token", "")
	supportLink := prompt(reader, "Support link (shown on errors)", "")

	fmt.Println("\n--- Payment Configuration ---")
	shopID := prompt(reader, "Shop ID (0 to skip)", "0")
	secret1 := prompt(reader, "Secret word 1 (payment form)", "")
	secret2 := prompt(reader, "Secret word 2 (webhook)", "")
	providerToken := prompt(reader, "Provider token for in-band invoices", "")

	fmt.Println("\n--- Billing Configuration ---")
	historyCost := prompt(reader, "History extraction cost, rubles", "50")

	var cfg strings.Builder
	cfg.WriteString("# leadwatch configuration\n")
	cfg.WriteString("# Generated by leadwatch init\n\n")

	cfg.WriteString("parameters:\n")
	cfg.WriteString(fmt.Sprintf("  bot_token: %q\n", botToken))
	cfg.WriteString(fmt.Sprintf("  shop_id: %s\n", shopID))
	cfg.WriteString(fmt.Sprintf("  secret_word_1: %q\n", secret1))
	cfg.WriteString(fmt.Sprintf("  secret_word_2: %q\n", secret2))
	cfg.WriteString(fmt.Sprintf("  yookassa_provider_token: %q\n", providerToken))
	cfg.WriteString(fmt.Sprintf("  history_parse_cost: %s\n", historyCost))
	cfg.WriteString(fmt.Sprintf("  support_link: %q\n", supportLink))
	cfg.WriteString("  required_channels: \"\"\n")

	configDir := filepath.Dir(outputFile)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	for _, dir := range []string{
		filepath.Join(defaultDataPath, "sessions", "realtime"),
		filepath.Join(defaultDataPath, "sessions", "history"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("creating data directory: %w", err)
		}
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Printf("Data directory: %s\n", defaultDataPath)
	fmt.Println("\nDrop authorized session files into the session directories, then:")
	fmt.Printf("  leadwatch serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
