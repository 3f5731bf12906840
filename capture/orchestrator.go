// Package capture launches and supervises stream recording processes, one job
// per streamer, with a global concurrency ceiling, FIFO admission, and
// retry-with-backoff on transient failures.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nazarein/streamwatch/telemetry"
)

// Job states.
type Status string

const (
	StatusWaiting     Status = "waiting"
	StatusPreparing   Status = "preparing"
	StatusDownloading Status = "downloading"
	StatusRetrying    Status = "retrying"
	StatusCompleted   Status = "completed"
	StatusStopped     Status = "stopped"
	StatusError       Status = "error"
)

func (s Status) terminal() bool {
	switch s {
	case StatusCompleted, StatusStopped, StatusError:
		return true
	}
	return false
}

// Retry pacing; variables so tests can shrink them.
var (
	retryBackoffBase = 5 * time.Second
	retryBackoffCap  = time.Minute
)

// Request describes one capture.
type Request struct {
	Streamer    string
	Title       string
	Resolution  string
	StoragePath string // base directory override; Options.DataDir when empty
	AccessToken string // optional ad-free playback token
}

// RunSpec is what the runner needs to launch one attempt.
type RunSpec struct {
	Command    string
	Streamer   string
	Quality    string
	OutputPath string
	Token      string
}

// Runner launches a capture process and blocks until it exits.
type Runner interface {
	Run(ctx context.Context, spec RunSpec) error
}

type execRunner struct {
	stopTimeout time.Duration
}

func (r execRunner) Run(ctx context.Context, spec RunSpec) error {
	args := []string{"--twitch-disable-ads"}
	if spec.Token != "" {
		args = append(args, "--twitch-api-header=Authorization=OAuth "+spec.Token)
	}
	quality := spec.Quality
	if quality == "" {
		quality = "best"
	}
	args = append(args, "-o", spec.OutputPath, "twitch.tv/"+spec.Streamer, quality)

	cmd := exec.CommandContext(ctx, spec.Command, args...)
	// Graceful stop: SIGINT lets the muxer finalize the file; the WaitDelay
	// kill covers processes that ignore it.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGINT)
	}
	cmd.WaitDelay = r.stopTimeout
	var stderr strings.Builder
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > 500 {
			msg = msg[len(msg)-500:]
		}
		if msg != "" {
			return fmt.Errorf("%w: %s", err, msg)
		}
		return err
	}
	return nil
}

// JobInfo is a point-in-time view of one job.
type JobInfo struct {
	Streamer   string    `json:"streamer"`
	Status     Status    `json:"status"`
	Attempts   int       `json:"attempts"`
	StartedAt  time.Time `json:"startedAt"`
	OutputPath string    `json:"outputPath,omitempty"`
	LastError  string    `json:"lastError,omitempty"`
}

type job struct {
	streamer string
	req      Request
	status   Status
	attempts int
	started  time.Time
	outPath  string
	lastErr  string

	cancel  context.CancelFunc
	stopped bool // Stop was requested; exit maps to stopped, not completed
	done    chan struct{}
}

// Options configures the orchestrator.
type Options struct {
	Command       string
	DataDir       string
	MaxConcurrent int
	MaxAttempts   int
	MinRuntime    time.Duration
	StopTimeout   time.Duration
	Cooldown      time.Duration
}

// Orchestrator owns all capture jobs.
type Orchestrator struct {
	opts     Options
	runner   Runner
	onStatus func(streamer string, status Status)
	log      *slog.Logger

	mu        sync.Mutex
	jobs      map[string]*job
	queue     []string
	running   int
	cooldowns map[string]time.Time
}

// New creates an orchestrator. onStatus receives every job transition and may
// be nil.
func New(opts Options, onStatus func(streamer string, status Status)) *Orchestrator {
	if opts.Command == "" {
		opts.Command = "streamlink"
	}
	if opts.DataDir == "" {
		opts.DataDir = "data"
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.MinRuntime <= 0 {
		opts.MinRuntime = 60 * time.Second
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = 10 * time.Second
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = 30 * time.Second
	}
	return &Orchestrator{
		opts:      opts,
		runner:    execRunner{stopTimeout: opts.StopTimeout},
		onStatus:  onStatus,
		log:       slog.Default().With(slog.String("component", "capture")),
		jobs:      make(map[string]*job),
		cooldowns: make(map[string]time.Time),
	}
}

// SetRunner swaps the process launcher. Used by tests.
func (o *Orchestrator) SetRunner(r Runner) { o.runner = r }

// Start begins (or queues) a capture for a streamer. Returns
// ErrAlreadyRunning when an active job exists and ErrCoolingDown within the
// post-completion cooldown window.
func (o *Orchestrator) Start(ctx context.Context, req Request) error {
	key := strings.ToLower(req.Streamer)
	if key == "" {
		return fmt.Errorf("empty streamer")
	}
	req.Streamer = key

	o.mu.Lock()
	if j, ok := o.jobs[key]; ok && !j.status.terminal() {
		o.mu.Unlock()
		return ErrAlreadyRunning
	}
	if until, ok := o.cooldowns[key]; ok && time.Now().Before(until) {
		o.mu.Unlock()
		return ErrCoolingDown
	}
	j := &job{
		streamer: key,
		req:      req,
		started:  time.Now(),
		done:     make(chan struct{}),
	}
	o.jobs[key] = j
	if o.running >= o.opts.MaxConcurrent {
		j.status = StatusWaiting
		o.queue = append(o.queue, key)
		o.updateGaugesLocked()
		o.mu.Unlock()
		o.notify(key, StatusWaiting)
		o.log.Info("capture queued", slog.String("streamer", key))
		return nil
	}
	o.launchLocked(j)
	o.mu.Unlock()
	o.notify(key, StatusPreparing)
	return nil
}

// launchLocked transitions a job to preparing and starts its supervisor.
// Caller holds o.mu and is responsible for the status callback.
func (o *Orchestrator) launchLocked(j *job) {
	o.running++
	j.status = StatusPreparing
	j.started = time.Now()
	jobCtx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	o.updateGaugesLocked()
	telemetry.Init()
	telemetry.CapturesStarted.Inc()
	go o.supervise(jobCtx, j)
}

// Stop cancels a streamer's capture and waits for the process to exit. No-op
// when no active job exists.
func (o *Orchestrator) Stop(ctx context.Context, streamer string) error {
	key := strings.ToLower(streamer)
	o.mu.Lock()
	j, ok := o.jobs[key]
	if !ok || j.status.terminal() {
		o.mu.Unlock()
		return nil
	}
	j.stopped = true
	if j.status == StatusWaiting {
		// Never launched: drop from the queue and finish synchronously.
		for i, qk := range o.queue {
			if qk == key {
				o.queue = append(o.queue[:i], o.queue[i+1:]...)
				break
			}
		}
		j.status = StatusStopped
		close(j.done)
		o.updateGaugesLocked()
		o.mu.Unlock()
		o.notify(key, StatusStopped)
		return nil
	}
	cancel := j.cancel
	done := j.done
	o.mu.Unlock()

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// supervise runs capture attempts for one job until a terminal state.
func (o *Orchestrator) supervise(ctx context.Context, j *job) {
	logger := o.log.With(slog.String("streamer", j.streamer))
	base := j.req.StoragePath
	if base == "" {
		base = o.opts.DataDir
	}

	final := StatusError
	defer func() {
		o.finish(j, final)
	}()

	path, err := outputPath(base, j.streamer, j.req.Title, time.Now())
	if err != nil {
		logger.Error("capture launch failed", slog.Any("err", err))
		o.mu.Lock()
		j.lastErr = err.Error()
		o.mu.Unlock()
		return
	}
	o.mu.Lock()
	j.outPath = path
	o.mu.Unlock()

	spec := RunSpec{
		Command:    o.opts.Command,
		Streamer:   j.streamer,
		Quality:    j.req.Resolution,
		OutputPath: path,
		Token:      j.req.AccessToken,
	}

	for {
		o.setStatus(j, StatusDownloading)
		attemptStart := time.Now()
		runErr := o.runner.Run(ctx, spec)
		runtime := time.Since(attemptStart)

		if ctx.Err() != nil {
			// Stop() or shutdown canceled the process.
			final = StatusStopped
			return
		}
		if runErr == nil || runtime >= o.opts.MinRuntime {
			// Clean exit, or a sustained recording that ended when the
			// broadcast did. Either way the session is over.
			telemetry.CapturesSucceeded.Inc()
			telemetry.CaptureDuration.Observe(runtime.Seconds())
			logger.Info("capture completed",
				slog.Duration("runtime", runtime), slog.String("path", path))
			o.mu.Lock()
			o.cooldowns[j.streamer] = time.Now().Add(o.opts.Cooldown)
			o.mu.Unlock()
			final = StatusCompleted
			return
		}

		// Quick exit: the process died before MinRuntime, so the stream is
		// presumed still live and the failure transient. Status and Snapshot
		// read lastErr under the lock, so the write must hold it too.
		o.mu.Lock()
		j.lastErr = runErr.Error()
		o.mu.Unlock()
		if IsFatalError(runErr) {
			logger.Error("capture failed", slog.Any("err", runErr), slog.String("class", "fatal"))
			telemetry.CapturesFailed.Inc()
			return
		}
		o.mu.Lock()
		j.attempts++
		attempts := j.attempts
		o.mu.Unlock()
		if attempts >= o.opts.MaxAttempts {
			logger.Error("capture retry ceiling reached",
				slog.Int("attempts", attempts), slog.Any("err", runErr))
			telemetry.CapturesFailed.Inc()
			return
		}

		telemetry.CaptureRetries.Inc()
		o.setStatus(j, StatusRetrying)
		delay := retryBackoffBase << uint(attempts-1)
		if delay > retryBackoffCap || delay <= 0 {
			delay = retryBackoffCap
		}
		//nolint:gosec // G404: jitter only
		delay += time.Duration(rand.Int63n(int64(delay / 5)))
		logger.Warn("capture attempt failed, retrying",
			slog.Int("attempt", attempts), slog.Duration("backoff", delay), slog.Any("err", runErr))
		select {
		case <-ctx.Done():
			final = StatusStopped
			return
		case <-time.After(delay):
		}
	}
}

// finish records the terminal state, frees the slot, and promotes the next
// queued job.
func (o *Orchestrator) finish(j *job, final Status) {
	o.mu.Lock()
	if j.stopped {
		final = StatusStopped
	}
	j.status = final
	close(j.done)
	o.running--
	var promoted *job
	for len(o.queue) > 0 && promoted == nil {
		key := o.queue[0]
		o.queue = o.queue[1:]
		if next, ok := o.jobs[key]; ok && next.status == StatusWaiting {
			promoted = next
		}
	}
	if promoted != nil {
		o.launchLocked(promoted)
	}
	o.updateGaugesLocked()
	o.mu.Unlock()

	o.notify(j.streamer, final)
	if promoted != nil {
		o.notify(promoted.streamer, StatusPreparing)
	}
}

func (o *Orchestrator) setStatus(j *job, s Status) {
	o.mu.Lock()
	j.status = s
	o.mu.Unlock()
	o.notify(j.streamer, s)
}

func (o *Orchestrator) notify(streamer string, s Status) {
	if o.onStatus != nil {
		o.onStatus(streamer, s)
	}
}

func (o *Orchestrator) updateGaugesLocked() {
	telemetry.Init()
	telemetry.SetActiveCaptures(o.running)
	telemetry.SetQueuedCaptures(len(o.queue))
}

// Status returns the job view for one streamer.
func (o *Orchestrator) Status(streamer string) (JobInfo, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	j, ok := o.jobs[strings.ToLower(streamer)]
	if !ok {
		return JobInfo{}, false
	}
	return j.info(), true
}

// ActiveCount reports jobs currently holding a capture slot.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// Snapshot returns all jobs for diagnostics.
func (o *Orchestrator) Snapshot() []JobInfo {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]JobInfo, 0, len(o.jobs))
	for _, j := range o.jobs {
		out = append(out, j.info())
	}
	return out
}

// ClearTerminal removes a terminal job record so the next online transition
// starts fresh. No-op for active jobs.
func (o *Orchestrator) ClearTerminal(streamer string) {
	key := strings.ToLower(streamer)
	o.mu.Lock()
	defer o.mu.Unlock()
	if j, ok := o.jobs[key]; ok && j.status.terminal() {
		delete(o.jobs, key)
	}
}

// StopAll cancels every active job. Used during shutdown.
func (o *Orchestrator) StopAll(ctx context.Context) {
	o.mu.Lock()
	keys := make([]string, 0, len(o.jobs))
	for key, j := range o.jobs {
		if !j.status.terminal() {
			keys = append(keys, key)
		}
	}
	o.mu.Unlock()
	var wg sync.WaitGroup
	for _, key := range keys {
		wg.Add(1)
		go func(key string) {
			defer wg.Done()
			if err := o.Stop(ctx, key); err != nil && !errors.Is(err, context.Canceled) {
				o.log.Warn("stop capture during shutdown", slog.String("streamer", key), slog.Any("err", err))
			}
		}(key)
	}
	wg.Wait()
}

func (j *job) info() JobInfo {
	return JobInfo{
		Streamer:   j.streamer,
		Status:     j.status,
		Attempts:   j.attempts,
		StartedAt:  j.started,
		OutputPath: j.outPath,
		LastError:  j.lastErr,
	}
}
