package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/doridoridoriand/netwatch/internal/api"
	"github.com/doridoridoriand/netwatch/internal/archive"
	"github.com/doridoridoriand/netwatch/internal/cli"
	"github.com/doridoridoriand/netwatch/internal/config"
	"github.com/doridoridoriand/netwatch/internal/eventlog"
	"github.com/doridoridoriand/netwatch/internal/log"
	"github.com/doridoridoriand/netwatch/internal/metrics"
	"github.com/doridoridoriand/netwatch/internal/netstate"
	"github.com/doridoridoriand/netwatch/internal/notify"
	"github.com/doridoridoriand/netwatch/internal/report"
	"github.com/doridoridoriand/netwatch/internal/sampler"
	"github.com/doridoridoriand/netwatch/internal/scheduler"
	"github.com/doridoridoriand/netwatch/internal/settings"
	"github.com/doridoridoriand/netwatch/internal/state"
	"github.com/doridoridoriand/netwatch/internal/ui"
)

const (
	version     = "0.1.0"
	exitTimeout = 10 * time.Second
)

func main() {
	var (
		flagInterval     cli.OptionalSeconds
		flagTimeout      cli.OptionalSeconds
		flagRecipient    cli.OptionalString
		flagTargets      cli.OptionalStringList
		flagListen       cli.OptionalString
		flagNoUI         cli.OptionalBool
		flagResume       cli.OptionalBool
		flagHashToken    string
		flagVersion      bool
		flagVersionShort bool
	)

	flag.Var(&flagInterval, "interval", "check interval in seconds (override config)")
	flag.Var(&flagInterval, "i", "check interval in seconds (override config)")
	flag.Var(&flagTimeout, "timeout", "probe timeout (override config)")
	flag.Var(&flagTimeout, "t", "probe timeout (override config)")
	flag.Var(&flagRecipient, "recipient", "report recipient e-mail (override config)")
	flag.Var(&flagTargets, "target", "probe target URI, repeatable, primary first (replaces config targets)")
	flag.Var(&flagListen, "listen", "control API listen address (e.g. :8080)")
	flag.Var(&flagNoUI, "no-ui", "disable the dashboard and start monitoring immediately")
	flag.Var(&flagResume, "resume", "resume the connection start time of the previous session")
	flag.StringVar(&flagHashToken, "hash-token", "", "print the api.token_hash value for a token and exit")
	flag.BoolVar(&flagVersion, "version", false, "show version")
	flag.BoolVar(&flagVersionShort, "v", false, "show version")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [options] [config-file]\n\n", os.Args[0])
		fmt.Fprintln(os.Stderr, "Options:")
		flag.PrintDefaults()
	}

	flag.Parse()

	if flagVersion || flagVersionShort {
		fmt.Fprintf(os.Stdout, "netwatch version %s\n", version)
		return
	}
	if flagHashToken != "" {
		hash, err := api.HashToken(flagHashToken)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to hash token: %v\n", err)
			os.Exit(1)
		}
		fmt.Fprintln(os.Stdout, hash)
		return
	}

	configPath := ""
	if args := flag.Args(); len(args) > 0 {
		configPath = args[0]
	}

	// .env は任意
	_ = godotenv.Load(".env")

	overrides := buildOverrides(flagInterval, flagTimeout, flagRecipient, flagTargets, flagListen, flagNoUI, flagResume)

	parser := config.NetwatchParser{}
	cfg, err := parser.LoadConfig(configPath, overrides)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, configPath, overrides); err != nil {
		fmt.Fprintf(os.Stderr, "netwatch: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, configPath string, overrides config.CLIOverrides) error {
	global := cfg.Global
	useUI := !global.UIDisable

	logger := log.NewLogger(log.ParseLevel(global.LogLevel))
	var logFile io.WriteCloser
	if global.LogDir != "" {
		w, err := log.NewFileWriter(global.LogDir, global.LogMaxMB, global.LogMaxFiles)
		if err != nil {
			return err
		}
		defer w.Close()
		logFile = w
	}
	// ダッシュボード表示中は stderr に出さない
	switch {
	case useUI && logFile != nil:
		logger.SetOutput(logFile)
	case useUI:
		logger.SetOutput(io.Discard)
	case logFile != nil:
		logger.SetOutput(io.MultiWriter(os.Stderr, logFile))
	}
	logger.LogConfigLoad(true, configPath, nil)

	store := settings.NewStore(global.StateFile)
	saved, err := store.Load()
	if err != nil {
		logger.LogError("settings", err, map[string]interface{}{"path": store.Path()})
	}
	resumeStart, resumed := applySettings(cfg, saved, overrides)

	watcher := netstate.NewWatcher(global.OSPoll, nil)
	tracker := state.NewTracker(cfg.Targets, cfg.Global.Timeout)
	tracker.SetOSOnline(watcher.Online())

	events := eventlog.New()
	collector := metrics.NewCollector()
	alerter := newTerminalAlerter(os.Stderr)

	opts := scheduler.OptionsFromConfig(cfg)
	opts.ResumeStart = resumeStart
	deps := scheduler.Deps{
		Tracker:  tracker,
		Log:      events,
		Logger:   logger,
		Alerter:  alerter,
		Sampler:  sampler.New(nil, global.SampleURL, global.SampleSize, global.SampleTimeout),
		Settings: store,
		Metrics:  collector,
	}
	if deliverer, err := newDeliverer(os.Getenv); err != nil {
		logger.LogError("report", err, nil)
	} else if deliverer != nil {
		deps.Deliverer = deliverer
	}
	if notifier, err := newNotifier(os.Getenv); err != nil {
		logger.LogError("notify", err, nil)
	} else if notifier != nil {
		deps.Notifier = notifier
	}

	mon, err := scheduler.New(opts, deps)
	if err != nil {
		return err
	}

	sigCtx, stopSignals := signalContext()
	defer stopSignals()
	runCtx, cancelRun := context.WithCancel(context.Background())
	defer cancelRun()

	var wg sync.WaitGroup
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		arc, err := archive.Open(sigCtx, dsn, logger)
		if err != nil {
			logger.LogError("archive", err, nil)
		} else {
			defer arc.Close()
			events.Subscribe(func(e eventlog.Entry) {
				arc.Enqueue(mon.SessionID(), e)
			})
			wg.Add(1)
			go func() {
				defer wg.Done()
				arc.Run(runCtx)
			}()
		}
	}

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := mon.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.LogError("scheduler", err, nil)
		}
	}()
	go func() {
		defer wg.Done()
		watcher.Run(runCtx, func(online bool) {
			_ = mon.OSChanged(runCtx, online)
		})
	}()

	if global.APIListen != "" {
		status := func() metrics.Status {
			snap := mon.Snapshot()
			return metrics.Status{Overall: snap.Overall, OSOnline: snap.OSOnline, Running: snap.Running, Targets: snap.Targets}
		}
		srv := api.NewServer(mon, events, api.Options{
			TokenHash: global.APITokenHash,
			Metrics:   metrics.NewServer(collector, status).Handler(),
			Logger:    logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(runCtx, global.APIListen); err != nil {
				logger.LogError("api", err, map[string]interface{}{"addr": global.APIListen})
			}
		}()
	}

	events.Append(eventlog.SeverityInfo, "Configuration loaded.")
	if resumed {
		events.Append(eventlog.SeverityInfo, "Resumed session, connection start time loaded.")
	}
	events.Append(eventlog.SeverityInfo, "Network monitor initialized.")

	if useUI {
		dash := ui.New(global, mon, events, logger)
		alerter.attach(dash)
		uiErr := dash.Run(sigCtx)
		alerter.attach(nil)
		if uiErr != nil && !errors.Is(uiErr, context.Canceled) {
			logger.LogError("ui", uiErr, nil)
		}
	} else {
		if err := mon.Start(sigCtx, scheduler.StartRequest{}); err != nil {
			cancelRun()
			wg.Wait()
			return err
		}
		<-sigCtx.Done()
	}

	exitCtx, cancelExit := context.WithTimeout(context.Background(), exitTimeout)
	defer cancelExit()
	if err := mon.Exit(exitCtx); err != nil {
		logger.LogError("scheduler", err, nil)
	}
	cancelRun()
	wg.Wait()
	return nil
}

func buildOverrides(
	interval cli.OptionalSeconds,
	timeout cli.OptionalSeconds,
	recipient cli.OptionalString,
	targets cli.OptionalStringList,
	listen cli.OptionalString,
	noUI cli.OptionalBool,
	resume cli.OptionalBool,
) config.CLIOverrides {
	overrides := config.CLIOverrides{}

	if v, ok := interval.Value(); ok {
		value := v
		overrides.Interval = &value
	}
	if v, ok := timeout.Value(); ok {
		value := v
		overrides.Timeout = &value
	}
	if v, ok := recipient.Value(); ok {
		value := v
		overrides.Recipient = &value
	}
	if v, ok := targets.Value(); ok {
		overrides.Targets = append([]string(nil), v...)
	}
	if v, ok := listen.Value(); ok && v != "" {
		value := v
		overrides.APIListen = &value
	}
	if v, ok := noUI.Value(); ok {
		value := v
		overrides.UIDisable = &value
	}
	if v, ok := resume.Value(); ok {
		value := v
		overrides.Resume = &value
	}

	return overrides
}

// applySettings layers persisted values over the file configuration without
// touching anything set on the command line. It returns the connection
// start to resume, if resuming is enabled and one was saved.
func applySettings(cfg *config.Config, saved settings.Values, overrides config.CLIOverrides) (time.Time, bool) {
	if overrides.Interval == nil && saved.CheckInterval > 0 {
		cfg.Global.Interval = time.Duration(saved.CheckInterval) * time.Second
	}
	if overrides.Recipient == nil && saved.UserEmail != "" {
		cfg.Global.Recipient = saved.UserEmail
	}
	if !cfg.Global.Resume {
		return time.Time{}, false
	}
	return saved.StartTime()
}

// newDeliverer builds the e-mail transport from the environment. It returns
// nil without error when no API key is set.
func newDeliverer(getenv func(string) string) (report.Deliverer, error) {
	apiKey := getenv("BREVO_API_KEY")
	if apiKey == "" {
		return nil, nil
	}
	sender := getenv("BREVO_SENDER")
	if sender == "" {
		return nil, errors.New("BREVO_SENDER is required when BREVO_API_KEY is set")
	}
	var templateID int64
	if raw := getenv("BREVO_TEMPLATE_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return nil, fmt.Errorf("invalid BREVO_TEMPLATE_ID %q", raw)
		}
		templateID = id
	}
	return report.NewBrevoDeliverer(apiKey, sender, templateID, ""), nil
}

// newNotifier builds the notification channel from the environment. It
// returns nil without error when no bot token is set.
func newNotifier(getenv func(string) string) (notify.Notifier, error) {
	token := getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, nil
	}
	n, err := notify.NewTelegramNotifier(token, getenv("TELEGRAM_CHAT_ID"))
	if err != nil {
		return nil, err
	}
	return n, nil
}

// signalContext returns a context cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// terminalAlerter beeps through the dashboard while it runs and rings the
// bell on stderr otherwise.
type terminalAlerter struct {
	mu   sync.Mutex
	dash *ui.UI
	bell *notify.Bell
}

func newTerminalAlerter(w io.Writer) *terminalAlerter {
	return &terminalAlerter{bell: notify.NewBell(w)}
}

func (a *terminalAlerter) attach(dash *ui.UI) {
	a.mu.Lock()
	a.dash = dash
	a.mu.Unlock()
}

func (a *terminalAlerter) Alert() error {
	a.mu.Lock()
	dash := a.dash
	a.mu.Unlock()
	if dash != nil {
		if err := dash.Alert(); err == nil || !errors.Is(err, ui.ErrNoScreen) {
			return err
		}
	}
	return a.bell.Alert()
}
