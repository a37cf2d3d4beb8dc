// Package jobs is the map-build job controller: a worker pool that
// dispatches mapbuild.Job values, retries failures with backoff, and
// records status to SQLite, generalizing the teacher's pipeline.Pipeline
// from photo-editing jobs to map builds. Each build runs in a re-exec'd
// child process (github.com/moby/sys/reexec) rather than in-process, so a
// wedged external tool (colmap, ffmpeg) cannot take the controller down
// with it.
package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/moby/sys/reexec"

	"spatialserver/internal/apperrors"
	"spatialserver/internal/config"
	"spatialserver/internal/logging"
	"spatialserver/internal/mapbuild"
	"spatialserver/internal/storage"
)

const reexecName = "spatialserver-mapbuild-worker"

func init() {
	reexec.Register(reexecName, workerMain)
}

// Init must be called at the very top of main, before flag parsing or
// anything else touches stdin/stdout: if this process was launched as a
// re-exec'd build worker, it runs the build and exits without returning.
func Init() {
	if reexec.Init() {
		os.Exit(0)
	}
}

// workerMain is the re-exec'd child entry point: it reads a mapbuild.Job
// as JSON from stdin, runs it against a freshly constructed Builder, and
// writes the mapbuild.Result as JSON to stdout.
func workerMain() {
	var req workerRequest
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		fmt.Fprintf(os.Stderr, "spatialserver-mapbuild-worker: decode request: %v\n", err)
		os.Exit(1)
	}

	builder, err := buildBuilderFromRequest(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spatialserver-mapbuild-worker: construct builder: %v\n", err)
		os.Exit(1)
	}

	ctx := context.Background()
	if req.HardLimit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.HardLimit)
		defer cancel()
	}

	res := builder.Process(ctx, req.Job)
	out := workerResponse{Meta: res.Meta}
	if res.Error != nil {
		out.Error = res.Error.Error()
	}
	if err := json.NewEncoder(os.Stdout).Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "spatialserver-mapbuild-worker: encode response: %v\n", err)
		os.Exit(1)
	}
}

type workerRequest struct {
	Job        mapbuild.Job  `json:"job"`
	HardLimit  time.Duration `json:"hard_limit"`
	MapDataRoot string       `json:"map_data_root"`
}

type workerResponse struct {
	Meta  map[string]any `json:"meta"`
	Error string         `json:"error"`
}

// BuilderFactory constructs a Builder for the re-exec'd worker process,
// which starts from a blank slate (no shared registries with the parent).
var BuilderFactory func(cfg *config.Config) (*mapbuild.Builder, error)

func buildBuilderFromRequest(req workerRequest) (*mapbuild.Builder, error) {
	if BuilderFactory == nil {
		return nil, errors.New("jobs.BuilderFactory is not set")
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	cfg.Paths.MapDataRoot = req.MapDataRoot
	return BuilderFactory(cfg)
}

// Controller dispatches map-build jobs across a fixed worker pool, with
// per-job retry and a fixed backoff between attempts, mirroring
// pipeline.Pipeline's worker loop and subscriber fan-out.
type Controller struct {
	cfg    *config.Config
	log    *slog.Logger
	store  *storage.Store
	jobs   chan mapbuild.Job
	wg     sync.WaitGroup
	cancel context.CancelFunc

	mu        sync.Mutex
	subs      map[int]chan mapbuild.Result
	nextSubID int
}

// New constructs a Controller and starts its worker goroutines.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, store *storage.Store) *Controller {
	concurrency := cfg.Processing.ParallelJobs
	if concurrency < 1 {
		concurrency = 1
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Controller{
		cfg:    cfg,
		log:    log,
		store:  store,
		jobs:   make(chan mapbuild.Job, concurrency*2),
		cancel: cancel,
		subs:   make(map[int]chan mapbuild.Result),
	}

	for i := 0; i < concurrency; i++ {
		c.wg.Add(1)
		go c.worker(ctx, i)
	}

	return c
}

// Submit enqueues a build job, recording it as queued in storage.
func (c *Controller) Submit(job mapbuild.Job) error {
	if c.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		_ = c.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			MapName:     job.MapName,
			JobType:     string(job.Source),
			Status:      "queued",
			InputPath:   job.InputPath,
			OutputPath:  job.MapName,
			OptionsJSON: string(optsJSON),
		})
	}

	select {
	case c.jobs <- job:
		return nil
	default:
		return errors.New("build job queue is full")
	}
}

// Subscribe returns a channel of build results and an unsubscribe func.
func (c *Controller) Subscribe() (<-chan mapbuild.Result, func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	ch := make(chan mapbuild.Result, 8)
	c.subs[id] = ch
	unsub := func() {
		c.mu.Lock()
		if ch, ok := c.subs[id]; ok {
			close(ch)
			delete(c.subs, id)
		}
		c.mu.Unlock()
	}
	return ch, unsub
}

// Stop signals workers to exit and waits for in-flight jobs to finish.
func (c *Controller) Stop() {
	c.cancel()
	close(c.jobs)
	c.wg.Wait()
	c.mu.Lock()
	for id, ch := range c.subs {
		close(ch)
		delete(c.subs, id)
	}
	c.mu.Unlock()
}

func (c *Controller) worker(ctx context.Context, id int) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-c.jobs:
			if !ok {
				return
			}
			c.runWithRetry(ctx, job)
		}
	}
}

func (c *Controller) runWithRetry(ctx context.Context, job mapbuild.Job) {
	backoff := parseDurationOr(c.cfg.Processing.RetryBackoff, time.Minute)
	maxRetries := c.cfg.Processing.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}

	start := time.Now()
	logging.LogJobStart(c.log, string(job.Source), job.ID, job.InputPath, job.MapName, job.Options)
	if c.store != nil {
		_ = c.store.RecordJobStart(job.ID)
	}

	var res mapbuild.Result
	for attempt := 0; attempt <= maxRetries; attempt++ {
		res = c.runOnce(ctx, job)
		if res.Error == nil {
			break
		}
		if attempt == maxRetries {
			break
		}
		logging.LogProcessingStep(c.log, job.ID, "retry", "scheduled", map[string]any{
			"attempt": attempt + 1, "backoff": backoff.String(), "error": res.Error.Error(),
		})
		if c.store != nil {
			_ = c.store.RecordJobRetry(job.ID)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}

	duration := time.Since(start)
	if res.Error != nil {
		logging.LogJobError(c.log, string(job.Source), job.ID, duration, res.Error, map[string]any{
			"input": job.InputPath, "map_name": job.MapName,
		})
		if c.store != nil {
			_ = c.store.RecordJobResult(job.ID, "failed", res.Meta, res.Error.Error())
		}
	} else {
		logging.LogJobComplete(c.log, string(job.Source), job.ID, duration, res.Meta)
		if c.store != nil {
			_ = c.store.RecordJobResult(job.ID, "completed", res.Meta, "")
			_ = c.store.MarkMapReady(job.MapName, true)
		}
	}

	c.broadcast(res)
}

// runOnce spawns a single re-exec'd worker child for job and waits for its
// result, bounded by the configured build hard limit.
func (c *Controller) runOnce(ctx context.Context, job mapbuild.Job) mapbuild.Result {
	hardLimit := parseDurationOr(c.cfg.Processing.BuildHardLimit, 10*time.Minute)
	req := workerRequest{Job: job, HardLimit: hardLimit, MapDataRoot: c.cfg.Paths.MapDataRoot}

	reqJSON, err := json.Marshal(req)
	if err != nil {
		return mapbuild.Result{Job: job, Error: &apperrors.Internal{Op: "jobs.runOnce", Err: err}}
	}

	ctx, cancel := context.WithTimeout(ctx, hardLimit+30*time.Second)
	defer cancel()

	cmd := reexec.Command(reexecName)
	cmd.Stdin = bytes.NewReader(reqJSON)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := runWithContext(ctx, cmd); err != nil {
		return mapbuild.Result{Job: job, Error: &apperrors.ExternalTool{
			Tool: reexecName, Err: fmt.Errorf("%w: %s", err, stderr.String()),
		}}
	}

	var resp workerResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return mapbuild.Result{Job: job, Error: &apperrors.Internal{Op: "jobs.runOnce", Err: fmt.Errorf("decode worker response: %w (stderr: %s)", err, stderr.String())}}
	}
	if resp.Error != "" {
		return mapbuild.Result{Job: job, Meta: resp.Meta, Error: errors.New(resp.Error)}
	}
	return mapbuild.Result{Job: job, Meta: resp.Meta}
}

func runWithContext(ctx context.Context, cmd *exec.Cmd) error {
	if err := cmd.Start(); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()
	select {
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		<-done
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (c *Controller) broadcast(res mapbuild.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.subs {
		select {
		case ch <- res:
		default:
			c.log.Warn("build result channel full", "subscriber", id, "job", res.Job.ID)
		}
	}
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
