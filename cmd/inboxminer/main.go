package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gologme/log"
	"golang.org/x/term"

	"github.com/jdcadavid/inboxminer/internal/auth"
	"github.com/jdcadavid/inboxminer/internal/config"
	"github.com/jdcadavid/inboxminer/internal/credential"
	"github.com/jdcadavid/inboxminer/internal/extractor"
	"github.com/jdcadavid/inboxminer/internal/mailbox"
	"github.com/jdcadavid/inboxminer/internal/store"
)

const dateLayout = "2006-01-02"

func main() {
	var (
		configPath = flag.String("config", config.DefaultConfigPath(), "path to config file")
		processor  = flag.String("processor", "", "run only this processor profile")
		sender     = flag.String("sender", "", "override sender pattern")
		subject    = flag.String("subject", "", "override subject pattern")
		onDate     = flag.String("on", "", "match messages received on this day (YYYY-MM-DD)")
		afterDate  = flag.String("after", "", "match messages received strictly after this day")
		fromDate   = flag.String("from", "", "range start day (inclusive, with -to)")
		toDate     = flag.String("to", "", "range end day (inclusive, with -from)")
		statsOnly  = flag.Bool("stats", false, "print extraction stats and exit")
		setPass    = flag.Bool("set-password", false, "prompt for the IMAP password, store it in the system keyring, and exit")
		deletePass = flag.Bool("delete-password", false, "remove the stored IMAP password from the system keyring and exit")
	)
	flag.Parse()

	logger := newLogger("Miner", color.FgCyan)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorf("loading config: %v\n", err)
		os.Exit(1)
	}
	if cfg.LogLevel == "debug" {
		debugLogging = true
		logger.EnableLevel("debug")
	}

	if *setPass || *deletePass {
		if err := managePassword(cfg, *setPass); err != nil {
			logger.Errorf("%v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg, logger, options{
		processor: *processor,
		sender:    *sender,
		subject:   *subject,
		onDate:    *onDate,
		afterDate: *afterDate,
		fromDate:  *fromDate,
		toDate:    *toDate,
		statsOnly: *statsOnly,
	}); err != nil {
		logger.Errorf("%v\n", err)
		os.Exit(1)
	}
}

type options struct {
	processor string
	sender    string
	subject   string
	onDate    string
	afterDate string
	fromDate  string
	toDate    string
	statsOnly bool
}

func run(cfg *config.Config, logger *log.Logger, opts options) error {
	st, err := store.NewSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.statsOnly {
		return printStats(ctx, st, cfg, opts.processor)
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	dateFilter, err := buildDateFilter(opts)
	if err != nil {
		return err
	}

	connector, err := buildConnector(cfg)
	if err != nil {
		return err
	}

	ext := extractor.New(connector, st, newLogger("Extract", color.FgGreen))

	profiles, err := selectProfiles(cfg, opts.processor)
	if err != nil {
		return err
	}

	total := 0
	for name, profile := range profiles {
		for _, req := range profileRequests(name, profile, opts, dateFilter) {
			count, err := ext.Extract(ctx, req)
			total += count
			if err != nil {
				return fmt.Errorf("extracting for %s: %w", name, err)
			}
		}
	}

	logger.Infof("done, %d new records stored\n", total)
	return nil
}

// managePassword stores or removes the account's IMAP password in the
// system keyring. The password is read from the terminal without echo
// and never passes through argv or the config file.
func managePassword(cfg *config.Config, set bool) error {
	if cfg.IMAP.Account == "" {
		return fmt.Errorf("imap.account must be configured")
	}
	key := "imap:" + cfg.IMAP.Account

	if !set {
		if err := credential.Delete(key); err != nil {
			return fmt.Errorf("removing password for %s: %w", cfg.IMAP.Account, err)
		}
		fmt.Printf("password for %s removed\n", cfg.IMAP.Account)
		return nil
	}

	fmt.Printf("Password for %s: ", cfg.IMAP.Account)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return fmt.Errorf("reading password: %w", err)
	}
	if len(password) == 0 {
		return fmt.Errorf("empty password not stored")
	}

	if err := credential.Set(key, string(password)); err != nil {
		return fmt.Errorf("storing password for %s: %w", cfg.IMAP.Account, err)
	}
	fmt.Printf("password for %s stored\n", cfg.IMAP.Account)
	return nil
}

// buildConnector wires the credential provider (or the keyring password)
// into the IMAP client.
func buildConnector(cfg *config.Config) (mailbox.Connector, error) {
	clientOpts := mailbox.Options{
		Host:    cfg.IMAP.Host,
		Port:    cfg.IMAP.Port,
		Account: cfg.IMAP.Account,
		Mailbox: cfg.IMAP.Mailbox,
		TLS:     cfg.IMAP.TLS,
		Logger:  newLogger("IMAP", color.FgYellow),
	}

	switch cfg.IMAP.AuthMethod {
	case "xoauth2":
		clientOpts.Tokens = auth.NewProvider(auth.Options{
			TenantID:    cfg.OAuth.TenantID,
			ClientID:    cfg.OAuth.ClientID,
			Scopes:      cfg.OAuth.Scopes,
			CacheFile:   cfg.OAuth.TokenCacheFile,
			Interactive: true,
			Logger:      newLogger("Auth", color.FgMagenta),
		})
	case "password":
		password, err := credential.Get("imap:" + cfg.IMAP.Account)
		if err != nil {
			return nil, fmt.Errorf("reading password from keyring: %w", err)
		}
		clientOpts.Password = password
	}

	return mailbox.NewClient(clientOpts), nil
}

// selectProfiles picks the processor profiles to run: the one named on
// the command line, or every enabled profile from the registry.
func selectProfiles(cfg *config.Config, name string) (map[string]config.ProcessorProfile, error) {
	if name != "" {
		profile, ok := cfg.Processors[name]
		if !ok {
			return nil, fmt.Errorf("unknown processor %q", name)
		}
		return map[string]config.ProcessorProfile{name: profile}, nil
	}

	profiles := make(map[string]config.ProcessorProfile)
	for n, p := range cfg.Processors {
		if p.Enabled {
			profiles[n] = p
		}
	}
	if len(profiles) == 0 {
		return nil, fmt.Errorf("no enabled processor profiles configured")
	}
	return profiles, nil
}

// profileRequests expands a profile into one extraction request per
// sender/subject pattern pair. Command-line overrides collapse the
// profile to a single request.
func profileRequests(
	name string,
	profile config.ProcessorProfile,
	opts options,
	date *mailbox.DateFilter,
) []extractor.Request {
	if opts.sender != "" || opts.subject != "" {
		return []extractor.Request{{
			Filter:        mailbox.Filter{Sender: opts.sender, Subject: opts.subject, Date: date},
			ProcessorType: name,
		}}
	}

	senders := profile.SenderPatterns
	if len(senders) == 0 {
		senders = []string{""}
	}
	subjects := profile.SubjectPatterns
	if len(subjects) == 0 {
		subjects = []string{""}
	}

	var reqs []extractor.Request
	for _, s := range senders {
		for _, subj := range subjects {
			reqs = append(reqs, extractor.Request{
				Filter:        mailbox.Filter{Sender: s, Subject: subj, Date: date},
				ProcessorType: name,
			})
		}
	}
	return reqs
}

func buildDateFilter(opts options) (*mailbox.DateFilter, error) {
	set := 0
	for _, s := range []string{opts.onDate, opts.afterDate, opts.fromDate} {
		if s != "" {
			set++
		}
	}
	if set > 1 {
		return nil, fmt.Errorf("-on, -after and -from/-to are mutually exclusive")
	}

	switch {
	case opts.onDate != "":
		d, err := parseDay(opts.onDate)
		if err != nil {
			return nil, err
		}
		return mailbox.DateOn(d), nil
	case opts.afterDate != "":
		d, err := parseDay(opts.afterDate)
		if err != nil {
			return nil, err
		}
		return mailbox.DateAfter(d), nil
	case opts.fromDate != "" || opts.toDate != "":
		if opts.fromDate == "" || opts.toDate == "" {
			return nil, fmt.Errorf("-from and -to must be given together")
		}
		start, err := parseDay(opts.fromDate)
		if err != nil {
			return nil, err
		}
		end, err := parseDay(opts.toDate)
		if err != nil {
			return nil, err
		}
		return mailbox.DateBetween(start, end), nil
	}
	return nil, nil
}

func parseDay(s string) (time.Time, error) {
	d, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q (want YYYY-MM-DD)", s)
	}
	return d, nil
}

func printStats(ctx context.Context, st store.Store, cfg *config.Config, processor string) error {
	names := []string{processor}
	if processor == "" {
		names = names[:0]
		for name := range cfg.Processors {
			names = append(names, name)
		}
	}

	for _, name := range names {
		stats, err := st.Stats(ctx, name)
		if err != nil {
			return fmt.Errorf("reading stats for %s: %w", name, err)
		}

		fmt.Printf("%s: %d records", name, stats.TotalRecords)
		if stats.LastFetchedAt != nil {
			fmt.Printf(", last fetched %s", stats.LastFetchedAt.Format(time.RFC3339))
		}
		if stats.LastRun != nil {
			fmt.Printf(", last run %s (%s)", stats.LastRun.RunID, stats.LastRun.Status)
		}
		fmt.Println()
	}
	return nil
}

// debugLogging is flipped on from config before component loggers are built.
var debugLogging bool

// newLogger builds a prefixed component logger.
func newLogger(name string, attr color.Attribute) *log.Logger {
	tint := color.New(attr).SprintfFunc()
	logger := log.New(os.Stdout, fmt.Sprintf("[ %s ] ", tint(name)), log.LstdFlags|log.Lmsgprefix)
	logger.EnableLevel("error")
	logger.EnableLevel("warn")
	logger.EnableLevel("info")
	if debugLogging {
		logger.EnableLevel("debug")
	}
	return logger
}
