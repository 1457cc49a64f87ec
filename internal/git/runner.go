package git

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	defaultTimeout        = 10 * time.Second
	defaultNetworkTimeout = 60 * time.Second
	defaultStopGrace      = 2 * time.Second
)

// Output is the captured result of a single git invocation. Stdout and Stderr
// are decoded as UTF-8 with trailing whitespace removed.
type Output struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// CommandPhase marks the start or end of a git invocation.
type CommandPhase string

const (
	CommandStarted  CommandPhase = "started"
	CommandFinished CommandPhase = "finished"
)

// CommandEvent is delivered to a Runner's Observer around every invocation.
type CommandEvent struct {
	Phase    CommandPhase
	Args     []string
	Success  bool
	Err      error
	Duration time.Duration
}

// Observer receives command lifecycle events. It is called synchronously from
// the goroutine running the command and must not block.
type Observer func(CommandEvent)

// Runner executes the system git binary inside a single repository.
type Runner struct {
	// Git is the git binary to execute. Defaults to "git" when empty.
	Git string

	// Dir is the repository working directory every command runs in.
	Dir string

	// Timeout bounds local commands such as status or branch listing. When
	// zero, a default of 10 seconds is used.
	Timeout time.Duration

	// NetworkTimeout bounds network oriented commands (clone, fetch, pull,
	// push). When zero, a default of 60 seconds is used.
	NetworkTimeout time.Duration

	// NetworkRetries controls how many additional attempts are made for network
	// commands that fail with a git error. Zero selects the default of 2,
	// negative disables retries.
	NetworkRetries int

	// NetworkRetryDelay is the initial backoff between retries. It doubles per
	// attempt. When zero, a default of 1 second is used.
	NetworkRetryDelay time.Duration

	// StopGrace is how long a timed out or cancelled git process gets to exit
	// after SIGTERM before it is killed. When zero, 2 seconds is used.
	StopGrace time.Duration

	// Env holds extra environment entries appended to the process environment.
	Env []string

	// Observer, when set, is notified before and after each command.
	Observer Observer
}

// NewRunner returns a Runner rooted at dir using defaults for everything else.
func NewRunner(dir string) *Runner {
	return &Runner{Dir: dir}
}

var binaryCache = struct {
	sync.Mutex
	paths map[string]string
	errs  map[string]error
}{
	paths: make(map[string]string),
	errs:  make(map[string]error),
}

func (r *Runner) gitBinary() string {
	if r.Git == "" {
		return "git"
	}
	return r.Git
}

// Detect resolves the git binary on the search path. The result, success or
// failure, is cached for the lifetime of the process; force re-runs the lookup.
func (r *Runner) Detect(force bool) (string, error) {
	name := r.gitBinary()

	binaryCache.Lock()
	defer binaryCache.Unlock()

	if !force {
		if path, ok := binaryCache.paths[name]; ok {
			return path, nil
		}
		if err, ok := binaryCache.errs[name]; ok {
			return "", err
		}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		execErr := &ExecutionError{Binary: name, Err: err}
		binaryCache.errs[name] = execErr
		delete(binaryCache.paths, name)
		return "", execErr
	}

	binaryCache.paths[name] = path
	delete(binaryCache.errs, name)
	return path, nil
}

// Version returns the output of git --version.
func (r *Runner) Version(ctx context.Context) (string, error) {
	out, err := r.Run(ctx, "--version")
	if err != nil {
		return "", err
	}
	return out.Stdout, nil
}

// Run executes git with args in the runner's directory. Expected failures are
// returned as *ExecutionError, *TimeoutError or *RepositoryStateError; a
// cancelled parent context is returned as ctx.Err().
func (r *Runner) Run(ctx context.Context, args ...string) (Output, error) {
	started := time.Now()
	r.notify(CommandEvent{Phase: CommandStarted, Args: args})

	out, err := r.run(ctx, args)

	r.notify(CommandEvent{
		Phase:    CommandFinished,
		Args:     args,
		Success:  err == nil,
		Err:      err,
		Duration: time.Since(started),
	})
	return out, err
}

func (r *Runner) notify(ev CommandEvent) {
	if r.Observer != nil {
		r.Observer(ev)
	}
}

func (r *Runner) run(ctx context.Context, args []string) (Output, error) {
	bin, err := r.Detect(false)
	if err != nil {
		return Output{}, err
	}

	isNetwork := isNetworkCommand(primaryGitCommand(args))

	retries := 0
	timeout := r.timeoutValue()
	if isNetwork {
		retries = r.networkRetriesValue()
		timeout = r.networkTimeoutValue()
	}

	delay := r.networkRetryDelayValue()
	var (
		out     Output
		lastErr error
	)

	for attempt := 0; attempt <= retries; attempt++ {
		out, lastErr = r.runOnce(ctx, bin, timeout, args)
		if lastErr == nil {
			return out, nil
		}

		var stateErr *RepositoryStateError
		if !isNetwork || !errors.As(lastErr, &stateErr) {
			break
		}
		if attempt == retries {
			break
		}

		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return out, lastErr
}

func (r *Runner) runOnce(ctx context.Context, bin string, timeout time.Duration, args []string) (Output, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.Command(bin, args...)
	cmd.Dir = r.Dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0", "LC_ALL=C")
	cmd.Env = append(cmd.Env, r.Env...)
	setProcessGroup(cmd)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return Output{}, &ExecutionError{Binary: bin, Err: err}
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case <-attemptCtx.Done():
		stopProcessGroup(cmd, done, r.stopGraceValue())
		out := capture(-1, &stdout, &stderr)
		if errors.Is(ctx.Err(), context.Canceled) {
			return out, ctx.Err()
		}
		return out, &TimeoutError{Args: args, Timeout: timeout, Output: joinOutput(out)}
	case err := <-done:
		if err == nil {
			return capture(0, &stdout, &stderr), nil
		}
		code := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		out := capture(code, &stdout, &stderr)
		return out, &RepositoryStateError{
			Args:     args,
			ExitCode: code,
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
			Err:      err,
		}
	}
}

func capture(code int, stdout, stderr *bytes.Buffer) Output {
	return Output{
		ExitCode: code,
		Stdout:   decode(stdout.Bytes()),
		Stderr:   decode(stderr.Bytes()),
	}
}

func decode(b []byte) string {
	return strings.TrimRight(strings.ToValidUTF8(string(b), "\uFFFD"), " \t\r\n")
}

func joinOutput(out Output) string {
	return strings.TrimSpace(out.Stdout + "\n" + out.Stderr)
}

func primaryGitCommand(args []string) string {
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			if i+1 < len(args) {
				return args[i+1]
			}
			return ""
		}
		if strings.HasPrefix(arg, "-") {
			switch arg {
			case "-C", "--git-dir", "-c":
				i++
			}
			continue
		}
		return arg
	}
	return ""
}

func isNetworkCommand(cmd string) bool {
	switch cmd {
	case "clone", "fetch", "push", "pull", "ls-remote":
		return true
	default:
		return false
	}
}

func (r *Runner) timeoutValue() time.Duration {
	if r.Timeout <= 0 {
		return defaultTimeout
	}
	return r.Timeout
}

func (r *Runner) networkRetriesValue() int {
	if r.NetworkRetries < 0 {
		return 0
	}
	if r.NetworkRetries == 0 {
		return 2
	}
	return r.NetworkRetries
}

func (r *Runner) networkRetryDelayValue() time.Duration {
	if r.NetworkRetryDelay <= 0 {
		return time.Second
	}
	return r.NetworkRetryDelay
}

func (r *Runner) stopGraceValue() time.Duration {
	if r.StopGrace <= 0 {
		return defaultStopGrace
	}
	return r.StopGrace
}

func (r *Runner) networkTimeoutValue() time.Duration {
	if r.NetworkTimeout <= 0 {
		return defaultNetworkTimeout
	}
	return r.NetworkTimeout
}
