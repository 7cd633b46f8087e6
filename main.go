package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/cli/go-gh/v2/pkg/term"
	"github.com/joho/godotenv"

	"git.pepabo.com/yukyan/gh-prstats/config"
	"git.pepabo.com/yukyan/gh-prstats/github"
	"git.pepabo.com/yukyan/gh-prstats/github/analysis"
	"git.pepabo.com/yukyan/gh-prstats/github/auth"
	"git.pepabo.com/yukyan/gh-prstats/github/cache"
	"git.pepabo.com/yukyan/gh-prstats/github/output"
	"git.pepabo.com/yukyan/gh-prstats/github/report"
	"git.pepabo.com/yukyan/gh-prstats/github/results"
	"git.pepabo.com/yukyan/gh-prstats/github/syncer"
	"git.pepabo.com/yukyan/gh-prstats/github/util"
	"git.pepabo.com/yukyan/gh-prstats/logger"
	"git.pepabo.com/yukyan/gh-prstats/metrics"
)

const usage = `Usage: gh-prstats [global flags] <command> [flags]

Commands:
  sync             fetch pull requests, reviews and comments into the cache
  analyze          compute PR statistics from the cache
  status           show cached repositories and cache file sizes
  clear            delete the raw cache
  clear-results    delete cached analysis results
  cleanup-results  drop cached analysis results older than --max-age-days

Global flags:
`

// app holds what every command needs once flags and config are resolved
type app struct {
	cfg    *config.Config
	store  *cache.Store
	rc     *results.Cache
	term   term.Term
	stdout io.Writer
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	configPath := flag.String("config", "prstats.yaml", "path to the YAML config file")
	cacheDir := flag.String("cache-dir", "", "cache directory (overrides config)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (overrides config)")
	metricsFile := flag.String("metrics-file", "", "write Prometheus metrics to this file on exit")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if *cacheDir != "" {
		cfg.CacheDir = *cacheDir
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid config: %v\n", err)
		os.Exit(1)
	}
	logger.Init(cfg.Log.Level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, flag.Arg(0), flag.Args()[1:])
	stop()

	if *metricsFile != "" {
		if merr := metrics.WriteTextfile(*metricsFile); merr != nil {
			logger.Error().Err(merr).Str("path", *metricsFile).Msg("failed to write metrics")
		}
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, command string, args []string) error {
	store, err := cache.New(cfg.CacheDir)
	if err != nil {
		return err
	}
	rc, err := results.New(cfg.CacheDir)
	if err != nil {
		return err
	}
	a := &app{cfg: cfg, store: store, rc: rc, term: term.FromEnv(), stdout: os.Stdout}

	switch command {
	case "sync":
		return a.sync(ctx, args)
	case "analyze":
		return a.analyze(ctx, args)
	case "status":
		return a.status()
	case "clear":
		if err := a.store.ClearAll(); err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "Cleared cache in %s\n", a.store.Dir())
		return nil
	case "clear-results":
		if err := a.rc.Clear(); err != nil {
			return err
		}
		fmt.Fprintln(a.stdout, "Cleared analysis results cache")
		return nil
	case "cleanup-results":
		return a.cleanupResults(args)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command: %s", command)
	}
}

// newSyncer builds the fetch pipeline from the configured credentials
func (a *app) newSyncer() (*syncer.Syncer, error) {
	provider, err := config.NewTokenProvider(a.cfg)
	if err != nil {
		return nil, err
	}
	s := a.cfg.Sync
	client := github.NewClient(auth.NewCache(provider),
		github.WithBaseURL(a.cfg.GitHub.APIURL),
		github.WithHost(a.cfg.GitHub.Host),
		github.WithAPIVersion(a.cfg.GitHub.APIVersion),
		github.WithPerPage(s.PerPage),
		github.WithRateLimit(s.RateLimitThreshold, s.RateLimitWait),
		github.WithRetry(s.MaxRetries, s.RetryWait),
	)
	return syncer.New(a.store, client,
		syncer.WithPRDelay(s.PRDelay),
		syncer.WithTestMode(s.TestModeLimit, s.TestModeDays),
	), nil
}

// repositories resolves the target list: the --repos flag, then the config
// file, then the team config.
func (a *app) repositories(flagValue, teamConfig string) ([]string, error) {
	repos := config.SplitList(flagValue)
	if len(repos) == 0 {
		repos = a.cfg.Repositories
	}
	if len(repos) == 0 && teamConfig != "" {
		teamRepos, err := config.LoadTeamRepositories(teamConfig)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		repos = teamRepos
	}
	if len(repos) == 0 {
		return nil, errors.New("no repositories specified: use --repos, the config file or a team config")
	}
	for _, repo := range repos {
		if _, _, err := util.SplitRepository(repo); err != nil {
			return nil, err
		}
	}
	return repos, nil
}

func (a *app) sync(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("sync", flag.ExitOnError)
	repos := fs.String("repos", "", "comma separated list of owner/repo")
	since := fs.String("since", "", "only fetch PRs updated at or after this ISO timestamp")
	fullSync := fs.Bool("full-sync", false, "ignore the last sync and fetch everything")
	testMode := fs.Bool("test-mode", false, "only sync a few PRs from the last days")
	teamConfig := fs.String("team-config", "team_config.json", "team config with a github_repositories list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	repositories, err := a.repositories(*repos, *teamConfig)
	if err != nil {
		return err
	}
	if *testMode && *since != "" {
		logger.Warn().Str("since", *since).Msg("--since is ignored in test mode")
	}
	s, err := a.newSyncer()
	if err != nil {
		return err
	}

	summary := s.SyncAll(ctx, repositories, syncer.Options{Since: *since, FullSync: *fullSync, TestMode: *testMode})
	for _, r := range summary.Results {
		fmt.Fprintf(a.stdout, "%s: %d PRs, %d reviews, %d comments, %d review comments (%s", r.Repository, r.PRs, r.Reviews, r.Comments, r.ReviewComments, r.Mode)
		if r.Since != "" {
			fmt.Fprintf(a.stdout, " since %s", r.Since)
		}
		fmt.Fprintln(a.stdout, ")")
	}
	if len(summary.Failed) > 0 {
		return fmt.Errorf("%d of %d repositories failed to sync: %v", len(summary.Failed), len(repositories), summary.Failed)
	}
	return ctx.Err()
}

func (a *app) analyze(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	repos := fs.String("repos", "", "comma separated list of owner/repo")
	from := fs.String("from", "", "start date (YYYY-MM-DD)")
	to := fs.String("to", "", "end date (YYYY-MM-DD, inclusive)")
	refresh := fs.Bool("sync", false, "sync the repositories before analyzing")
	outputFile := fs.String("output", "", "output file (default stdout)")
	outputFormat := fs.String("output-format", "md", "output format (md or json)")
	teamConfig := fs.String("team-config", "team_config.json", "team config with a github_repositories list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *outputFormat != "md" && *outputFormat != "json" {
		return fmt.Errorf("invalid output format: %s (use md or json)", *outputFormat)
	}
	dateRange, err := util.ParseDateRange(*from, *to)
	if err != nil {
		return fmt.Errorf("failed to parse dates: %w", err)
	}
	repositories, err := a.repositories(*repos, *teamConfig)
	if err != nil {
		return err
	}

	var s *syncer.Syncer
	if *refresh {
		if s, err = a.newSyncer(); err != nil {
			return err
		}
	}
	runner := report.New(a.store, a.rc, analysis.New(a.store), s)
	combined, source, err := runner.Analyze(ctx, report.Request{
		Repositories: repositories,
		Since:        dateRange.Since,
		Until:        dateRange.Until,
		Refresh:      *refresh,
	})
	if err != nil {
		return err
	}
	logger.Info().Str("source", string(source)).Int("analyzed", len(combined.Repositories)).Msg("analysis ready")

	if *outputFile == "" {
		if *outputFormat == "json" {
			return output.WriteJSON(a.stdout, combined, a.term.IsColorEnabled())
		}
		return output.WriteResults(a.stdout, combined, dateRange, *outputFormat)
	}

	file, err := os.Create(*outputFile)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()
	if err := output.WriteResults(file, combined, dateRange, *outputFormat); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Results written to %s\n", *outputFile)
	return nil
}

func (a *app) status() error {
	records, err := a.store.Metadata()
	if err != nil {
		return err
	}
	sizes, err := a.store.Sizes()
	if err != nil {
		return err
	}
	info, err := a.rc.Info()
	if err != nil {
		return err
	}

	st := output.Status{
		CacheDir:         a.store.Dir(),
		ResultsEntries:   info.TotalEntries,
		ResultsSizeBytes: info.TotalSizeBytes,
	}
	for repo, rec := range records {
		st.Repositories = append(st.Repositories, output.RepositoryStatus{Repository: repo, LastSync: rec.LastSync, CachedAt: rec.CachedAt})
	}
	sort.Slice(st.Repositories, func(i, j int) bool { return st.Repositories[i].Repository < st.Repositories[j].Repository })
	for _, name := range cache.Files {
		st.Files = append(st.Files, output.FileSize{Name: name, Bytes: sizes[name]})
	}

	width, _, err := a.term.Size()
	if err != nil {
		width = 80
	}
	return output.WriteStatus(a.stdout, st, a.term.IsTerminalOutput(), width)
}

func (a *app) cleanupResults(args []string) error {
	fs := flag.NewFlagSet("cleanup-results", flag.ExitOnError)
	maxAgeDays := fs.Int("max-age-days", a.cfg.Results.MaxAgeDays, "drop results older than this many days")
	if err := fs.Parse(args); err != nil {
		return err
	}
	removed, err := a.rc.CleanupOldEntries(*maxAgeDays)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Removed %d cached results older than %d days\n", removed, *maxAgeDays)
	return nil
}
