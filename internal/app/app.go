package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/rancher/branchflow/internal/forge"
	"github.com/rancher/branchflow/internal/git"
	"github.com/rancher/branchflow/internal/history"
	"github.com/rancher/branchflow/internal/notify"
	"github.com/rancher/branchflow/internal/orchestrator"
	"github.com/rancher/branchflow/internal/repo"
)

// App glues configuration, the git layer, the forge client and the history
// store together for one command invocation.
type App struct {
	cfg        Config
	configPath string
	log        *slog.Logger

	Location repo.Location
	Runner   *git.Runner
	Reader   *git.Reader
	Prober   *git.Prober
	Notifier *notify.Notifier

	factory forge.Factory

	mu      sync.Mutex
	client  forge.Client
	history *history.Store
}

// Options carries invocation-level overrides.
type Options struct {
	ConfigPath string
	// LogOutput receives log lines. Logs never go to stdout so command output
	// stays machine readable.
	LogOutput io.Writer
	DryRun    bool
	LogLevel  string
	// Factory replaces the provider lookup; used by tests.
	Factory forge.Factory
}

// New loads configuration and locates the repository.
func New(opts Options) (*App, error) {
	cfg, err := LoadConfig(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg, opts)
}

// NewWithConfig builds an App from an already loaded Config.
func NewWithConfig(cfg Config, opts Options) (*App, error) {
	if opts.DryRun {
		cfg.DryRun = true
	}
	if opts.LogLevel != "" {
		cfg.Log.Level = opts.LogLevel
	}
	if opts.LogOutput == nil {
		opts.LogOutput = io.Discard
	}

	logger, err := NewLogger(opts.LogOutput, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	loc, err := repo.Locate(cfg.Repository.Path, cfg.Repository.Remote)
	if err != nil && !errors.Is(err, repo.ErrNoRemote) {
		return nil, fmt.Errorf("locate repository: %w", err)
	}
	if err != nil {
		logger.Warn("repository has no usable remote", "remote", cfg.Repository.Remote, "error", err)
	}
	root := loc.Root
	if root == "" {
		root = cfg.Repository.Path
	}

	runner := &git.Runner{
		Git:            cfg.Git.Binary,
		Dir:            root,
		Timeout:        cfg.Git.Timeout,
		NetworkTimeout: cfg.Git.NetworkTimeout,
		Observer:       commandLogger(logger),
	}
	reader := git.NewReader(runner, cfg.Repository.Remote)

	return &App{
		cfg:        cfg,
		configPath: opts.ConfigPath,
		log:        logger,
		Location:   loc,
		Runner:     runner,
		Reader:     reader,
		Prober:     git.NewProber(reader, logger),
		Notifier:   notify.New(cfg.Notifications.Enabled, logger),
		factory:    opts.Factory,
	}, nil
}

// Config returns the configuration the App was built with.
func (a *App) Config() Config { return a.cfg }

// Logger returns the application logger.
func (a *App) Logger() *slog.Logger { return a.log }

// ForgeOptions resolves provider, base URL and project, inferring whatever
// the configuration leaves empty from the repository remote.
func (a *App) ForgeOptions() (string, forge.Options) {
	fc := a.cfg.Forge
	project := a.Location.Project

	provider := fc.Provider
	if provider == "" {
		provider = project.Provider
	}
	if provider == "" {
		provider = forge.ProviderGitLab
	}

	opts := forge.Options{
		BaseURL:  fc.BaseURL,
		Project:  fc.Project,
		Token:    fc.Token,
		Workflow: fc.Workflow,
		Timeout:  fc.Timeout,
	}
	if opts.Project == "" {
		opts.Project = project.Path
	}
	if opts.BaseURL == "" {
		switch {
		case provider == forge.ProviderGitHub:
			if project.Host != "" && project.Host != "github.com" {
				opts.BaseURL = project.BaseURL()
			}
		case project.Host != "" && project.Provider == forge.ProviderGitLab:
			opts.BaseURL = project.BaseURL()
		default:
			opts.BaseURL = defaultGitLabURL
		}
	}
	return provider, opts
}

// Forge returns the forge client, creating it on first use. Dry runs get a
// client that fabricates records instead of calling the service.
func (a *App) Forge(ctx context.Context) (forge.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}

	provider, opts := a.ForgeOptions()
	if a.cfg.DryRun {
		provider = forge.ProviderNoop
	}

	factory := a.factory
	if factory == nil {
		var err error
		if factory, err = forge.FactoryFor(provider); err != nil {
			return nil, err
		}
	}
	client, err := factory.New(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("initialize %s client: %w", provider, err)
	}
	a.log.Debug("forge client ready", "provider", provider, "project", opts.Project, "base_url", opts.BaseURL)
	a.client = client
	return client, nil
}

// History opens the history store on first use.
func (a *App) History() (*history.Store, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.history != nil {
		return a.history, nil
	}
	store, err := history.Open(a.cfg.History.Path)
	if err != nil {
		return nil, err
	}
	a.history = store
	return store, nil
}

// ConfigSource returns the source the orchestrator re-reads on every
// submission.
func (a *App) ConfigSource() orchestrator.ConfigSource {
	cfg := a.cfg
	return &FileConfigSource{Path: a.configPath, DryRun: a.cfg.DryRun, fallback: &cfg}
}

// Orchestrator wires the workflow engine. History and notifications are
// attached when available; a history store that cannot be opened only
// disables recording.
func (a *App) Orchestrator(ctx context.Context, prompter orchestrator.Prompter, observers ...func(orchestrator.Event)) (*orchestrator.Orchestrator, error) {
	client, err := a.Forge(ctx)
	if err != nil {
		return nil, err
	}

	opts := []orchestrator.Option{}
	if store, err := a.History(); err != nil {
		a.log.Warn("workflow history disabled", "path", a.cfg.History.Path, "error", err)
	} else {
		opts = append(opts, orchestrator.WithRecorder(HistoryRecorder{Store: store}))
	}

	observers = append(observers, a.Notifier.WorkflowEvent)
	opts = append(opts, orchestrator.WithObserver(func(ev orchestrator.Event) {
		for _, fn := range observers {
			fn(ev)
		}
	}))

	return orchestrator.New(a.ConfigSource(), a.Reader, a.Prober, client, prompter, a.log, opts...), nil
}

// Close releases the history store.
func (a *App) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.history == nil {
		return nil
	}
	err := a.history.Close()
	a.history = nil
	return err
}

// FileConfigSource re-reads the configuration file for every submission so
// policy edits apply without a restart. If the file became unreadable the
// configuration loaded at startup is used.
type FileConfigSource struct {
	Path string
	// DryRun forces dry-run whatever the file says.
	DryRun bool

	fallback *Config
}

// Load implements orchestrator.ConfigSource.
func (s *FileConfigSource) Load(context.Context) (orchestrator.Config, error) {
	cfg, err := LoadConfig(s.Path)
	if err != nil {
		if s.fallback == nil {
			return orchestrator.Config{}, err
		}
		cfg = *s.fallback
	}
	return orchestrator.Config{Policy: cfg.BranchPolicy(), DryRun: cfg.DryRun || s.DryRun}, nil
}

// HistoryRecorder stores orchestrator results in the history database.
type HistoryRecorder struct {
	Store *history.Store
}

// Record implements orchestrator.Recorder.
func (r HistoryRecorder) Record(ctx context.Context, result orchestrator.Result, err error) error {
	return r.Store.Save(ctx, historyRecord(result, err))
}

func historyRecord(result orchestrator.Result, err error) history.Record {
	rec := history.Record{
		ID:           result.TaskID,
		Branch:       result.SourceBranch,
		Category:     string(result.Category),
		State:        string(result.State),
		DryRun:       result.DryRun,
		SyncDeclined: result.SyncDeclined,
		StartedAt:    result.StartedAt,
		FinishedAt:   result.FinishedAt,
	}
	if err != nil {
		rec.Headline = orchestrator.Headline(err)
		rec.Error = err.Error()
	}
	if mr := result.Primary; mr != nil {
		rec.MergeRequests = append(rec.MergeRequests, history.MergeRequest{
			Kind: history.KindPrimary, IID: mr.IID, Title: mr.Title, URL: mr.URL, TargetBranch: mr.TargetBranch,
		})
	}
	if mr := result.Sync; mr != nil {
		rec.MergeRequests = append(rec.MergeRequests, history.MergeRequest{
			Kind: history.KindSync, IID: mr.IID, Title: mr.Title, URL: mr.URL, TargetBranch: mr.TargetBranch,
		})
	}
	return rec
}
