package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trainalyze/trainalyze/internal/catalog"
	"github.com/trainalyze/trainalyze/internal/config"
	"github.com/trainalyze/trainalyze/internal/history"
	"github.com/trainalyze/trainalyze/internal/inbox"
	"github.com/trainalyze/trainalyze/internal/notify"
	"github.com/trainalyze/trainalyze/internal/refund"
	"github.com/trainalyze/trainalyze/internal/report"
	"github.com/trainalyze/trainalyze/internal/scan"
	"github.com/trainalyze/trainalyze/internal/web"
)

var (
	cfgFile  string
	logJSON  bool
	verbose  bool
	jsonOut  bool
	openUI   bool
	noRecord bool
	noNotify bool
)

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	return config.DefaultConfigPath()
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "trainalyze",
		Short: "Trainalyze - find unclaimed train delay compensation in your inbox",
		Long: `Trainalyze scans your transport emails (tickets, delay notices, refunds)
and lists the delays you could still claim compensation for, with the
amount, the operator's claim page and the claim deadline.

Mail can be read over IMAP, through the Gmail API, or from .eml files.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.trainalyze/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "Write logs as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Show progress logs")

	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(analyzeCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(operatorsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// setupLogging sends structured logs to stderr so stdout stays clean for
// reports and JSON.
func setupLogging() {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if logJSON {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize configuration interactively",
		Long:  "Create a new configuration file with your mail source settings.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit()
		},
	}
}

func scanCmd() *cobra.Command {
	var days, limit int
	var source string

	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan your mailbox for unclaimed delays",
		Long: `Search the configured mailbox for transport emails, classify them and
list the delays and cancellations that have no matching refund.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(source, days, limit)
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "How many days back to search (default from config, 365)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum messages to fetch (default from config, 300)")
	cmd.Flags().StringVar(&source, "source", "", "Mail source to use: imap, gmail or files")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the summary as JSON")
	cmd.Flags().BoolVar(&noRecord, "no-history", false, "Do not record this scan in the history")
	cmd.Flags().BoolVar(&noNotify, "no-notify", false, "Do not mail the digest even if notify is configured")

	return cmd
}

func analyzeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze <file-or-dir>...",
		Short: "Analyze saved .eml files",
		Long:  "Run the analysis over .eml files or directories of them, without connecting to a mailbox.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAnalyze(args)
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the summary as JSON")

	return cmd
}

func serveCmd() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local JSON API",
		Long: `Start a local web server exposing the scan as a JSON API:

  GET  /                     session, CSRF token and current job
  POST /api/scan             start a scan of the configured mailbox
  GET  /api/job/{id}         scan progress
  POST /api/job/{id}/cancel  cancel a scan
  GET  /api/results          the session's last summary
  POST /api/disconnect       forget the session's results
  GET  /api/operators        operators, schemes and claim windows
  GET  /api/claim-urls       operator claim pages
  GET  /api/history          recorded scans

State-changing calls need the X-CSRF-Token header from GET /.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "Port to listen on (default from config, 8080)")
	cmd.Flags().BoolVar(&openUI, "open", false, "Open the API root in a browser")

	return cmd
}

func historyCmd() *cobra.Command {
	var limit, pruneDays int
	var id string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded scans",
		Long: `List recent scans from the local history, show one scan in full
with --id, or remove old scans with --prune-days.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(id, limit, pruneDays)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "Show the full summary of one scan")
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of recent scans to show")
	cmd.Flags().IntVar(&pruneDays, "prune-days", 0, "Delete scans older than this many days")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the scans as JSON")

	return cmd
}

func operatorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "operators",
		Short: "List known operators and their compensation schemes",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOperators()
		},
	}

	cmd.Flags().BoolVar(&jsonOut, "json", false, "Print the table as JSON")

	return cmd
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("🚆 Trainalyze Configuration Setup")
	fmt.Println("==================================")
	fmt.Println()

	cfg := config.Default()

	fmt.Println("📬 Mail Source")
	fmt.Println()
	fmt.Println("  imap   - any IMAP mailbox with an app password")
	fmt.Println("  gmail  - the Gmail API with an OAuth refresh token")
	fmt.Println("  files  - a folder of saved .eml files")
	fmt.Println()

	source := prompt(reader, "Source (imap/gmail/files) [imap]: ")
	if source == "" {
		source = config.SourceIMAP
	}
	cfg.Source = source

	fmt.Println()
	switch source {
	case config.SourceIMAP:
		cfg.Inbox.Provider = prompt(reader, "Provider (gmail/outlook/imap) [gmail]: ")
		if cfg.Inbox.Provider == "" {
			cfg.Inbox.Provider = "gmail"
		}
		if cfg.Inbox.Provider == "imap" {
			cfg.Inbox.Server = prompt(reader, "IMAP server: ")
			cfg.Inbox.Port = 993
		}
		cfg.Inbox.Email = prompt(reader, "Email address: ")
		fmt.Printf("  (Leave empty to read it from %s instead)\n", config.EnvIMAPPassword)
		cfg.Inbox.Password = prompt(reader, "App password: ")

	case config.SourceGmail:
		fmt.Println("Gmail API Configuration:")
		fmt.Println("  (Create an OAuth client with the gmail.readonly scope and obtain a refresh token)")
		fmt.Println()
		cfg.Gmail.ClientID = prompt(reader, "  Client ID: ")
		fmt.Printf("  (Leave the next two empty to read them from %s and %s)\n",
			config.EnvGmailClientSecret, config.EnvGmailRefreshToken)
		cfg.Gmail.ClientSecret = prompt(reader, "  Client secret: ")
		cfg.Gmail.RefreshToken = prompt(reader, "  Refresh token: ")

	case config.SourceFiles:
		for _, p := range strings.Split(prompt(reader, "Paths to .eml files or folders (comma separated): "), ",") {
			if p = strings.TrimSpace(p); p != "" {
				cfg.Files.Paths = append(cfg.Files.Paths, p)
			}
		}

	default:
		return fmt.Errorf("unknown source %q", source)
	}

	fmt.Println()
	fmt.Println("⚙️  Options")
	fmt.Println()
	if answer := prompt(reader, "Record scans in local history? (Y/n): "); strings.EqualFold(answer, "n") {
		cfg.History.Disabled = true
	}
	if to := prompt(reader, "Mail a digest after each scan to (empty to skip): "); to != "" {
		if err := notify.ValidateAddress(to); err != nil {
			return err
		}
		cfg.Notify.To = to
		cfg.Notify.SMTP.Host = prompt(reader, "  SMTP host: ")
		cfg.Notify.SMTP.Port = 587
		cfg.Notify.SMTP.Username = prompt(reader, "  SMTP username: ")
		fmt.Printf("  (Leave empty to read it from %s instead)\n", config.EnvSMTPPassword)
		cfg.Notify.SMTP.Password = prompt(reader, "  SMTP password: ")
	}

	configPath := resolveConfigPath()
	if err := config.Save(configPath, cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Println()
	fmt.Printf("✅ Configuration saved to: %s\n", configPath)
	fmt.Println()
	fmt.Println("Next steps:")
	fmt.Println("  1. Review and edit the config file if needed")
	fmt.Println("  2. Run 'trainalyze operators' to see supported operators")
	fmt.Println("  3. Run 'trainalyze scan' to find unclaimed delays")

	return nil
}

func prompt(reader *bufio.Reader, message string) string {
	fmt.Print(message)
	input, err := reader.ReadString('\n')
	if err != nil {
		return ""
	}
	return strings.TrimSpace(input)
}

// loadConfig reads the config file. When optional is set a missing file
// yields the defaults instead of an error.
func loadConfig(optional bool) (*config.Config, error) {
	configPath := resolveConfigPath()
	cfg, err := config.Load(configPath)
	if err != nil {
		if optional && errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("no config found at %s (run 'trainalyze init' first)", configPath)
		}
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func loadCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	if cfg.CatalogFile == "" {
		return catalog.Default(), nil
	}
	c, err := catalog.LoadFromFile(cfg.CatalogFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	return c, nil
}

func newPipeline(cfg *config.Config, c *catalog.Catalog) *scan.Pipeline {
	return scan.NewPipeline(c, refund.New(c), scan.Options{
		LookbackDays: cfg.Scan.LookbackDays,
		MaxMessages:  cfg.Scan.MaxMessages,
		KeywordLimit: cfg.Scan.KeywordLimit,
		Workers:      cfg.Scan.Workers,
	})
}

func openHistory(cfg *config.Config) (*history.Store, error) {
	if cfg.History.Disabled {
		return nil, nil
	}
	store, err := history.Open(cfg.History.Driver, cfg.History.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open history: %w", err)
	}
	return store, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printSummary(source string, summary scan.Summary) error {
	if jsonOut {
		return printJSON(summary)
	}
	engine, err := report.NewEngine()
	if err != nil {
		return fmt.Errorf("failed to initialize report: %w", err)
	}
	return engine.Summary(os.Stdout, source, summary)
}

func runScan(source string, days, limit int) error {
	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}
	if source != "" {
		cfg.Source = source
	}
	if days > 0 {
		cfg.Scan.LookbackDays = days
	}
	if limit > 0 {
		cfg.Scan.MaxMessages = limit
	}

	c, err := loadCatalog(cfg)
	if err != nil {
		return err
	}
	pipeline := newPipeline(cfg, c)

	ctx, stop := signalContext()
	defer stop()

	src, err := openSource(ctx, cfg)
	if err != nil {
		return err
	}
	if m, ok := src.(*inbox.Monitor); ok {
		defer m.Disconnect()
	}

	if !jsonOut {
		fmt.Fprintf(os.Stderr, "📬 Scanning %s (last %d days)...\n", src.Name(), cfg.Scan.LookbackDays)
	}

	started := time.Now()
	summary, err := pipeline.Run(ctx, src, pipeline.Query(started))
	if err != nil {
		return fmt.Errorf("scan failed: %w", err)
	}

	if !noRecord {
		store, err := openHistory(cfg)
		if err != nil {
			slog.Warn("scan not recorded", "error", err)
		} else if store != nil {
			defer store.Close()
			if _, err := store.Save(ctx, src.Name(), started, *summary); err != nil {
				slog.Warn("scan not recorded", "error", err)
			}
		}
	}

	if cfg.Notify.Enabled() && !noNotify {
		if err := sendDigest(ctx, cfg.Notify, src.Name(), *summary); err != nil {
			fmt.Fprintf(os.Stderr, "⚠️  Digest not sent: %v\n", err)
		} else if !jsonOut {
			fmt.Fprintf(os.Stderr, "📧 Digest sent to %s\n", cfg.Notify.To)
		}
	}

	return printSummary(src.Name(), *summary)
}

func sendDigest(ctx context.Context, cfg config.NotifyConfig, source string, summary scan.Summary) error {
	sender, err := notify.NewSender(cfg)
	if err != nil {
		return err
	}
	engine, err := report.NewEngine()
	if err != nil {
		return err
	}
	var body bytes.Buffer
	if err := engine.Summary(&body, source, summary); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	return sender.Send(ctx, notify.Digest(cfg, summary, body.String()))
}

func runAnalyze(paths []string) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	c, err := loadCatalog(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signalContext()
	defer stop()

	// no query: every file is analysed regardless of sender or age
	src := inbox.NewFileSource(paths, cfg.Scan.HTMLFallback)
	summary, err := newPipeline(cfg, c).Run(ctx, src, inbox.Query{})
	if err != nil {
		return err
	}
	return printSummary(src.Name(), *summary)
}

func runServe(port int) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Web.Port = port
	}

	c, err := loadCatalog(cfg)
	if err != nil {
		return err
	}

	store, err := openHistory(cfg)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}

	results, closeResults, err := openResultStore(cfg)
	if err != nil {
		return err
	}
	defer closeResults()

	deps := web.Deps{
		Catalog:  c,
		Pipeline: newPipeline(cfg, c),
		Results:  results,
		History:  store,
	}
	if err := cfg.ValidateSource(); err != nil {
		fmt.Printf("⚠️  %v\n", err)
		fmt.Println("Scans are disabled until a mail source is configured ('trainalyze init').")
	} else {
		deps.NewSource = func(ctx context.Context) (scan.Source, error) {
			return openSource(ctx, cfg)
		}
	}

	server, err := web.NewServer(cfg.Web, deps)
	if err != nil {
		return fmt.Errorf("failed to create web server: %w", err)
	}

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nShutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	url := "http://" + server.Addr()
	fmt.Printf("Starting Trainalyze API at %s\n", url)
	fmt.Println("Press Ctrl+C to stop")
	if openUI {
		go func() {
			time.Sleep(500 * time.Millisecond)
			web.OpenBrowser(url)
		}()
	}

	return server.Start()
}

func openResultStore(cfg *config.Config) (web.ResultStore, func(), error) {
	switch cfg.Web.Results {
	case config.ResultsRedis:
		rs, err := web.NewRedisStore(cfg.Web.RedisURL, cfg.Web.SessionTTL)
		if err != nil {
			return nil, nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := rs.Ping(ctx); err != nil {
			rs.Close()
			return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
		}
		slog.Info("connected to Redis")
		return rs, func() { rs.Close() }, nil
	default:
		ss := web.NewSessionStore(cfg.Web.SessionTTL)
		return ss, ss.Close, nil
	}
}

func runHistory(id string, limit, pruneDays int) error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	if cfg.History.Disabled {
		return fmt.Errorf("scan history is disabled in %s", resolveConfigPath())
	}

	store, err := openHistory(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := context.Background()

	if pruneDays > 0 {
		n, err := store.Prune(ctx, time.Now().AddDate(0, 0, -pruneDays))
		if err != nil {
			return fmt.Errorf("failed to prune history: %w", err)
		}
		fmt.Printf("🗑  Deleted %d scans older than %d days\n", n, pruneDays)
		return nil
	}

	if id != "" {
		record, err := store.Get(ctx, id)
		if errors.Is(err, history.ErrNotFound) {
			return fmt.Errorf("no scan with id %s", id)
		}
		if err != nil {
			return fmt.Errorf("failed to get scan: %w", err)
		}
		return printSummary(record.Source, record.Summary)
	}

	records, err := store.Recent(ctx, limit)
	if err != nil {
		return fmt.Errorf("failed to get recent scans: %w", err)
	}
	if jsonOut {
		if records == nil {
			records = []history.Record{}
		}
		return printJSON(records)
	}

	engine, err := report.NewEngine()
	if err != nil {
		return fmt.Errorf("failed to initialize report: %w", err)
	}
	return engine.History(os.Stdout, records)
}

func runOperators() error {
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	c, err := loadCatalog(cfg)
	if err != nil {
		return err
	}

	table := c.OperatorTable()
	if jsonOut {
		return printJSON(table)
	}

	fmt.Printf("🚆 Operators (%d total)\n", len(table))
	fmt.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	for _, op := range table {
		fmt.Printf("\n%s [%s]\n", op.Name, op.Scheme)
		fmt.Printf("  ⏱  Claim within %d days\n", op.DeadlineDays)
		if op.ClaimURL != "" {
			fmt.Printf("  🔗 %s\n", op.ClaimURL)
		}
	}

	return nil
}
