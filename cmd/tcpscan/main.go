package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"tcpscan/internal/addrutil"
	"tcpscan/internal/alias"
	"tcpscan/internal/config"
	"tcpscan/internal/control"
	"tcpscan/internal/correction"
	"tcpscan/internal/execx"
	"tcpscan/internal/logging"
	"tcpscan/internal/metrics"
	"tcpscan/internal/probe"
	"tcpscan/internal/scan"
	"tcpscan/internal/sockopt"
	"tcpscan/internal/stunutil"
)

const usage = `tcpscan - per-interface TCP throughput estimator

Usage:
  tcpscan [run] -i <iface> [-i <iface>...] -s <server> [-s <server>...] [--config <path>]
  tcpscan doctor [--config <path>] [-i <iface>...] [--timeout 3s]
  tcpscan stats [--config <path>] [--path <csv>] [--window 5m] [--interface <iface>]
  tcpscan export csv [--config <path>] [--path <csv>] --out <file>
  tcpscan config --out <path> [--config <path>] [-i <iface>...] [-s <server>...]
`

const shutdownTimeout = 5 * time.Second

func main() {
	args := os.Args[1:]
	if len(args) == 0 || strings.HasPrefix(args[0], "-") && !isHelp(args[0]) {
		handleRun(args)
		return
	}

	cmd := args[0]
	switch {
	case isHelp(cmd):
		fmt.Print(usage)
	case cmd == "run":
		handleRun(args[1:])
	case cmd == "doctor":
		handleDoctor(args[1:])
	case cmd == "stats":
		handleStats(args[1:])
	case cmd == "export":
		handleExport(args[1:])
	case cmd == "config":
		handleConfig(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

func isHelp(arg string) bool {
	return arg == "-h" || arg == "--help" || arg == "help"
}

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string {
	return strings.Join(*l, ",")
}

func (l *listFlag) Set(value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return errors.New("empty value")
	}
	*l = append(*l, value)
	return nil
}

// targetFlags registers -i/--interface and -s/--server on fs.
func targetFlags(fs *flag.FlagSet) (*listFlag, *listFlag) {
	var ifaces, servers listFlag
	fs.Var(&ifaces, "i", "network interface to probe (repeatable)")
	fs.Var(&ifaces, "interface", "network interface to probe (repeatable)")
	fs.Var(&servers, "s", "server target host[:port] (repeatable)")
	fs.Var(&servers, "server", "server target host[:port] (repeatable)")
	return &ifaces, &servers
}

func handleRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	ifaces, servers := targetFlags(fs)
	metricsListen := fs.String("metrics-listen", "", "metrics listen address")
	controlListen := fs.String("control-listen", "", "correction endpoint listen address")
	logLevel := fs.String("log-level", "", "log level (debug|info|warn|error)")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	overrideTargets(&cfg, *ifaces, *servers)
	if *metricsListen != "" {
		cfg.MetricsListen = *metricsListen
	}
	if *controlListen != "" {
		cfg.ControlListen = *controlListen
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	config.ApplyDefaults(&cfg)
	validateOrExit(cfg)

	log, err := logging.New(cfg.Log)
	if err != nil {
		fatal(err)
	}
	logging.SetGlobal(log)
	defer logging.Sync()

	ctx, cancel := signalContext()
	defer cancel()

	store, err := correction.Open(cfg.StatePath, cfg.DefaultCorrection, logging.Named("correction"))
	if err != nil {
		fatal(err)
	}
	registry := metrics.NewRegistry(store)

	var fetcher alias.Fetcher
	if cfg.AliasURL != "" {
		fetcher = alias.NewClient(cfg.AliasURL, cfg.AliasTimeout)
	}
	aliases := alias.NewResolver(alias.Options{
		Interfaces:     cfg.Interfaces,
		Static:         cfg.Aliases,
		Fetcher:        fetcher,
		RefreshTimeout: cfg.AliasTimeout,
		Logger:         logging.Named("alias"),
	})

	prober := probe.New(probe.Options{
		Timeout:    cfg.ConnectTimeout,
		Efficiency: cfg.Efficiency,
		LowLatency: config.LowLatencyEnabled(cfg),
		Binder:     probe.NewBinder(config.VerifyBindEnabled(cfg), logging.Named("bind")),
		Logger:     logging.Named("probe"),
	})
	loop := scan.New(prober, registry, scan.Options{
		Interfaces:     cfg.Interfaces,
		Servers:        cfg.Servers,
		Interval:       cfg.Interval,
		ServerDelay:    cfg.ServerDelay,
		InterfaceDelay: cfg.InterfaceDelay,
		HistoryPath:    cfg.HistoryPath,
		Out:            os.Stdout,
		Logger:         log,
	})

	metricsSrv := control.NewServer("metrics", cfg.MetricsListen,
		control.MetricsHandler(registry, logging.Named("metrics")), log)
	controlSrv := control.NewServer("control", cfg.ControlListen,
		control.CorrectionHandler(cfg.CorrectionPath, store, aliases, logging.Named("control")), log)

	fmt.Fprintf(os.Stdout, "Prometheus metrics available at %s\n", endpointURL(cfg.MetricsListen, "/metrics"))
	fmt.Fprintf(os.Stdout, "Correction factor API available at %s?value=<factor>[&nic=<interface-or-alias>]\n",
		endpointURL(cfg.ControlListen, cfg.CorrectionPath))
	fmt.Fprintln(os.Stdout, "Starting measurements...")
	fmt.Fprintln(os.Stdout, "==================================")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(metricsSrv.ListenAndServe)
	g.Go(controlSrv.ListenAndServe)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(metricsSrv.Shutdown(shutdownCtx), controlSrv.Shutdown(shutdownCtx))
	})

	err = g.Wait()
	fmt.Fprintln(os.Stdout, "\nShutting down...")
	if err != nil && !errors.Is(err, context.Canceled) {
		logging.Error("exiting", zap.Error(err))
		logging.Sync()
		fatal(err)
	}
}

func handleDoctor(args []string) {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	ifaces, _ := targetFlags(fs)
	timeout := fs.Duration("timeout", 3*time.Second, "per STUN server timeout")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	overrideTargets(&cfg, *ifaces, nil)
	config.ApplyDefaults(&cfg)
	if len(cfg.Interfaces) == 0 {
		exitUsage("No interfaces specified. Use -i/--interface to add interfaces.")
	}

	log, err := logging.New(cfg.Log)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = log.Sync() }()

	ctx, cancel := signalContext()
	defer cancel()

	fmt.Fprintf(os.Stdout, "bind_supported=%t verify_bind=%t stun=%s\n",
		sockopt.BindSupported, config.VerifyBindEnabled(cfg), strings.Join(cfg.STUNServers, ","))

	binder := probe.NewBinder(config.VerifyBindEnabled(cfg), log)
	for _, iface := range cfg.Interfaces {
		rep, err := stunutil.ProbeInterface(ctx, iface, binder, cfg.STUNServers, *timeout)
		bind := "ok"
		if rep.BindErr != nil {
			bind = rep.BindErr.Error()
		}
		fmt.Fprintf(os.Stdout, "iface=%s bind=%q local=%s\n", iface, bind, rep.LocalAddr)
		if err != nil {
			fmt.Fprintf(os.Stdout, "  stun error: %v\n", err)
			continue
		}
		fmt.Fprintf(os.Stdout, "  public=%s nat=%s mapped=%s\n", rep.PublicAddr, rep.NATType, strings.Join(rep.Mapped, ","))
	}

	if !sockopt.BindSupported {
		return
	}
	printRoutes(ctx, execx.OSRunner{}, cfg)
}

// printRoutes shows which device and source address the kernel picks for
// every (interface, server) pair.
func printRoutes(ctx context.Context, r execx.Runner, cfg config.Config) {
	for _, server := range cfg.Servers {
		ap, err := addrutil.Resolve(ctx, net.DefaultResolver, server, config.DefaultServerPort)
		if err != nil {
			fmt.Fprintf(os.Stdout, "server=%s resolve error: %v\n", server, err)
			continue
		}
		for _, iface := range cfg.Interfaces {
			rt, err := execx.LookupRoute(ctx, r, ap.Addr(), iface)
			if err != nil {
				fmt.Fprintf(os.Stdout, "route iface=%s server=%s error: %v\n", iface, ap.Addr(), err)
				continue
			}
			fmt.Fprintf(os.Stdout, "route iface=%s server=%s dev=%s src=%s via=%s\n", iface, ap.Addr(), rt.Dev, rt.Src, rt.Via)
		}
	}
}

func handleStats(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	window := fs.Duration("window", config.DefaultStatsWindow, "time window")
	path := fs.String("path", "", "history CSV path override")
	iface := fs.String("interface", "", "only summarize this interface")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	historyPath := selectHistoryPath(cfg, *path)
	if historyPath == "" {
		fatal(errors.New("history path required (--path or history_path)"))
	}

	items, err := metrics.ReadCSV(historyPath)
	if err != nil {
		fatal(err)
	}

	cutoff := time.Now().UTC().Add(-*window)
	printSummaries(os.Stdout, metrics.SummarizeByInterface(items, cutoff, *iface))
}

func printSummaries(w io.Writer, summaries []metrics.Summary) {
	printed := false
	for _, s := range summaries {
		if s.Count == 0 && s.Errors == 0 {
			continue
		}
		printed = true
		fmt.Fprintf(w, "%s samples=%d errors=%d from=%s to=%s\n",
			s.Interface, s.Count, s.Errors, s.From.Format(time.RFC3339), s.To.Format(time.RFC3339))
		if s.Count > 0 {
			fmt.Fprintf(w, "  throughput avg=%.2fMbps p95=%.2fMbps min=%.2fMbps max=%.2fMbps rtt avg=%.2fms\n",
				s.AvgMbps, s.P95Mbps, s.MinMbps, s.MaxMbps, s.AvgRTTMs)
		}
	}
	if !printed {
		fmt.Fprintln(w, "no samples in window")
	}
}

func handleExport(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "export subcommand required\n")
		os.Exit(2)
	}
	if args[0] != "csv" {
		fmt.Fprintf(os.Stderr, "unknown export format %q\n", args[0])
		os.Exit(2)
	}

	fs := flag.NewFlagSet("export csv", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config")
	out := fs.String("out", "", "output file")
	path := fs.String("path", "", "history CSV path override")
	_ = fs.Parse(args[1:])

	if *out == "" {
		fatal(errors.New("--out is required"))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}

	historyPath := selectHistoryPath(cfg, *path)
	if historyPath == "" {
		fatal(errors.New("history path required (--path or history_path)"))
	}

	if err := copyFile(historyPath, *out); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "exported %s\n", *out)
}

func handleConfig(args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config to start from")
	out := fs.String("out", "", "output file")
	ifaces, servers := targetFlags(fs)
	_ = fs.Parse(args)

	if *out == "" {
		fatal(errors.New("--out is required"))
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fatal(err)
	}
	overrideTargets(&cfg, *ifaces, *servers)
	config.ApplyDefaults(&cfg)
	validateOrExit(cfg)

	if err := config.Save(*out, cfg); err != nil {
		fatal(err)
	}
	fmt.Fprintf(os.Stdout, "wrote %s\n", *out)
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func overrideTargets(cfg *config.Config, ifaces, servers []string) {
	if len(ifaces) > 0 {
		cfg.Interfaces = ifaces
	}
	if len(servers) > 0 {
		cfg.Servers = servers
	}
}

// validateOrExit maps the two missing-target errors to exit code 2 and
// everything else to fatal.
func validateOrExit(cfg config.Config) {
	err := config.Validate(cfg)
	switch {
	case err == nil:
	case errors.Is(err, config.ErrNoInterfaces):
		exitUsage("No interfaces specified. Use -i/--interface to add interfaces.")
	case errors.Is(err, config.ErrNoServers):
		exitUsage("No servers specified. Use -s/--server to add targets.")
	default:
		fatal(err)
	}
}

func exitUsage(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(2)
}

// endpointURL turns a listen address into a URL an operator can paste.
func endpointURL(listen, path string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "http://" + listen + path
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	return "http://" + net.JoinHostPort(host, port) + path
}

func selectHistoryPath(cfg config.Config, override string) string {
	if override != "" {
		return override
	}
	return cfg.HistoryPath
}

func copyFile(src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-signals
		cancel()
	}()
	return ctx, cancel
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}
