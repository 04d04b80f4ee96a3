package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"imagetrace/database"
	"imagetrace/logging"
	"imagetrace/metrics"
	"imagetrace/storage"
	"imagetrace/types"

	"github.com/google/uuid"
)

// Job is one analysis request. Its status moves pending -> processing and
// ends in completed or failed; terminal jobs are immutable and a repeated
// request for the same images always creates a new job id.
type Job struct {
	ID           string
	ProjectScope string
	Threshold    float64
	Kind         types.HashKind
	CreatedAt    time.Time

	mu          sync.Mutex
	status      types.JobStatus
	progress    int
	result      *types.JobResult
	errMessage  string
	completedAt time.Time
	cancel      context.CancelFunc
}

// Status returns the job's current status and progress.
func (j *Job) Status() (types.JobStatus, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status, j.progress
}

// setProgress raises the advisory progress percentage. Decreases are
// dropped so the value is monotone regardless of worker timing.
func (j *Job) setProgress(done, total int) {
	if total <= 0 {
		return
	}
	percent := done * 100 / total
	j.mu.Lock()
	if percent > j.progress && !j.status.Terminal() {
		j.progress = percent
	}
	j.mu.Unlock()
}

func (j *Job) markProcessing() {
	j.mu.Lock()
	j.status = types.JobProcessing
	j.mu.Unlock()
}

// finish applies a terminal transition once. Later transitions are ignored,
// which is what makes cancellation safe: a cancelled job can never move on
// to completed.
func (j *Job) finish(status types.JobStatus, result *types.JobResult, errMessage string) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return false
	}
	j.status = status
	j.result = result
	j.errMessage = errMessage
	j.completedAt = time.Now()
	if status == types.JobCompleted {
		j.progress = 100
	}
	return true
}

func (j *Job) snapshot() database.JobRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return database.JobRecord{
		ID:           j.ID,
		ProjectScope: j.ProjectScope,
		Status:       j.status,
		Progress:     j.progress,
		Threshold:    j.Threshold,
		HashKind:     j.Kind,
		Error:        j.errMessage,
		CreatedAt:    j.CreatedAt,
		CompletedAt:  j.completedAt,
		Result:       j.result,
	}
}

// Controller owns job lifecycles: it schedules the pairwise work, tracks
// progress, answers status polls and persists terminal results.
type Controller struct {
	source  storage.PixelSource
	store   *database.Store
	workers int

	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewController wires a controller to its pixel source and job store. The
// store may be nil, in which case terminal jobs live only in memory.
func NewController(source storage.PixelSource, store *database.Store, workers int) *Controller {
	if workers < 1 {
		workers = 1
	}
	return &Controller{
		source:  source,
		store:   store,
		workers: workers,
		jobs:    make(map[string]*Job),
	}
}

// StartAnalysis creates a new job over the given ordered image roster and
// begins processing it in the background. Every call creates a fresh job
// id; historical jobs stay inspectable.
func (c *Controller) StartAnalysis(ctx context.Context, projectScope string, imageIDs []string, threshold float64, kind types.HashKind) (string, error) {
	if len(imageIDs) == 0 {
		return "", fmt.Errorf("analysis needs at least one image")
	}
	if threshold < 0 || threshold > 1 {
		return "", fmt.Errorf("threshold must be in [0,1], got %v", threshold)
	}
	if kind == "" {
		kind = types.HashPerceptual
	}
	if !kind.Valid() {
		return "", fmt.Errorf("unknown fingerprint kind: %s", kind)
	}

	jobCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job := &Job{
		ID:           uuid.NewString(),
		ProjectScope: projectScope,
		Threshold:    threshold,
		Kind:         kind,
		CreatedAt:    time.Now(),
		status:       types.JobPending,
		cancel:       cancel,
	}

	c.mu.Lock()
	c.jobs[job.ID] = job
	c.mu.Unlock()

	metrics.JobsStarted.Inc()
	logging.LogJobEvent(job.ID, string(types.JobPending), fmt.Sprintf("%d images", len(imageIDs)))

	roster := make([]string, len(imageIDs))
	copy(roster, imageIDs)
	go c.run(jobCtx, job, roster)

	return job.ID, nil
}

// Cancel requests termination of a running job. In-flight pair work is
// abandoned best-effort; the job ends failed with a distinct reason and can
// never reach completed afterwards. Cancelling a terminal job is an error.
func (c *Controller) Cancel(jobID string) error {
	job, ok := c.lookup(jobID)
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, types.ErrNotFound)
	}

	if !job.finish(types.JobFailed, nil, types.CancelledReason) {
		return fmt.Errorf("job %s already terminal: %w", jobID, types.ErrNotReady)
	}
	job.cancel()
	metrics.JobsFinished.WithLabelValues(string(types.JobFailed)).Inc()
	logging.LogJobEvent(jobID, string(types.JobFailed), types.CancelledReason)
	c.persist(job)
	return nil
}

// JobStatus reports the status and progress of a job, falling back to the
// persistent store for jobs that predate this process.
func (c *Controller) JobStatus(jobID string) (types.JobStatus, int, error) {
	if job, ok := c.lookup(jobID); ok {
		status, progress := job.Status()
		return status, progress, nil
	}

	if c.store != nil {
		record, err := c.store.GetJob(jobID)
		if err == nil {
			return record.Status, record.Progress, nil
		}
		if !errors.Is(err, types.ErrNotFound) {
			return "", 0, err
		}
	}
	return "", 0, fmt.Errorf("job %s: %w", jobID, types.ErrNotFound)
}

// JobResult returns the payload of a completed job. Polling before the job
// is terminal fails with types.ErrNotReady; unknown ids fail with
// types.ErrNotFound; failed jobs surface their recorded error.
func (c *Controller) JobResult(jobID string) (*types.JobResult, error) {
	if job, ok := c.lookup(jobID); ok {
		job.mu.Lock()
		defer job.mu.Unlock()
		switch {
		case job.status == types.JobCompleted:
			return job.result, nil
		case job.status == types.JobFailed:
			if job.errMessage == types.CancelledReason {
				return nil, fmt.Errorf("job %s: %w", jobID, types.ErrCancelled)
			}
			return nil, fmt.Errorf("job %s failed: %s", jobID, job.errMessage)
		default:
			return nil, fmt.Errorf("job %s is %s: %w", jobID, job.status, types.ErrNotReady)
		}
	}

	if c.store != nil {
		record, err := c.store.GetJob(jobID)
		if err == nil {
			if record.Status == types.JobCompleted {
				return record.Result, nil
			}
			if record.Status == types.JobFailed {
				if record.Error == types.CancelledReason {
					return nil, fmt.Errorf("job %s: %w", jobID, types.ErrCancelled)
				}
				return nil, fmt.Errorf("job %s failed: %s", jobID, record.Error)
			}
			return nil, fmt.Errorf("job %s is %s: %w", jobID, record.Status, types.ErrNotReady)
		}
		if !errors.Is(err, types.ErrNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("job %s: %w", jobID, types.ErrNotFound)
}

func (c *Controller) lookup(jobID string) (*Job, bool) {
	c.mu.RLock()
	job, ok := c.jobs[jobID]
	c.mu.RUnlock()
	return job, ok
}

// run executes one job: decode every roster image, aggregate the pairwise
// similarity, and apply the terminal transition.
func (c *Controller) run(ctx context.Context, job *Job, imageIDs []string) {
	started := time.Now()
	job.markProcessing()
	logging.LogJobEvent(job.ID, string(types.JobProcessing), "")

	images, skipped, err := c.decodeAll(ctx, imageIDs)
	defer func() {
		for _, img := range images {
			img.Pixels.Close()
		}
	}()

	if err != nil {
		c.fail(job, err)
		return
	}
	if len(images) == 0 {
		c.fail(job, fmt.Errorf("no readable images in roster: %w", types.ErrStorageUnavailable))
		return
	}

	aggregator := &Aggregator{Kind: job.Kind, Workers: c.workers}
	result, err := aggregator.Run(ctx, images, job.Threshold, job.setProgress)
	if err != nil {
		c.fail(job, err)
		return
	}
	result.SkippedImages = skipped

	if job.finish(types.JobCompleted, result, "") {
		metrics.JobsFinished.WithLabelValues(string(types.JobCompleted)).Inc()
		metrics.JobDuration.Observe(time.Since(started).Seconds())
		logging.LogJobEvent(job.ID, string(types.JobCompleted),
			fmt.Sprintf("%d images, %d groups", len(images), len(result.Groups)))
		c.persist(job)
	}
}

// decodeAll fetches pixels for the whole roster over the worker pool.
// Unreadable individual images are skipped and recorded; an unavailable
// storage backend aborts the job.
func (c *Controller) decodeAll(ctx context.Context, imageIDs []string) ([]DecodedImage, []string, error) {
	type slot struct {
		img     *DecodedImage
		skipped bool
		err     error
	}
	slots := make([]slot, len(imageIDs))

	var wg sync.WaitGroup
	semaphore := make(chan struct{}, c.workers)

	for i, id := range imageIDs {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		semaphore <- struct{}{}

		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-semaphore }()

			pixels, err := c.source.Decode(ctx, id)
			switch {
			case err == nil:
				slots[i] = slot{img: &DecodedImage{
					Info:   types.ImageInfo{ID: id, Width: pixels.Cols(), Height: pixels.Rows()},
					Pixels: pixels,
				}}
			case errors.Is(err, types.ErrDecode), errors.Is(err, types.ErrNotFound):
				logging.LogWarning("skipping image %s: %v", id, err)
				metrics.ImagesSkipped.Inc()
				slots[i] = slot{skipped: true}
			default:
				slots[i] = slot{err: err}
			}
		}(i, id)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		for _, s := range slots {
			if s.img != nil {
				s.img.Pixels.Close()
			}
		}
		return nil, nil, err
	}

	var images []DecodedImage
	var skipped []string
	for i, s := range slots {
		switch {
		case s.err != nil:
			for _, other := range slots {
				if other.img != nil {
					other.img.Pixels.Close()
				}
			}
			return nil, nil, s.err
		case s.skipped:
			skipped = append(skipped, imageIDs[i])
		case s.img != nil:
			images = append(images, *s.img)
		}
	}
	return images, skipped, nil
}

// fail applies a failed transition unless the job is already terminal
// (e.g. cancelled while the pipeline was still unwinding).
func (c *Controller) fail(job *Job, err error) {
	message := err.Error()
	if errors.Is(err, context.Canceled) {
		message = types.CancelledReason
	}
	if job.finish(types.JobFailed, nil, message) {
		metrics.JobsFinished.WithLabelValues(string(types.JobFailed)).Inc()
		logging.LogJobEvent(job.ID, string(types.JobFailed), message)
		c.persist(job)
	}
}

// persist writes a terminal snapshot. Persistence failures are logged and
// do not alter the in-memory job state.
func (c *Controller) persist(job *Job) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveJob(job.snapshot()); err != nil {
		logging.LogError("cannot persist job %s: %v", job.ID, err)
	}
}
