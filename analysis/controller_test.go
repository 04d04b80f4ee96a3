package analysis

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"imagetrace/database"
	"imagetrace/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

// fakeSource serves decoded pixels from memory. Ids listed in errs fail
// with the configured error; ids in stall block until the context dies.
type fakeSource struct {
	mats  map[string]gocv.Mat
	errs  map[string]error
	stall map[string]bool
}

func (f *fakeSource) Decode(ctx context.Context, imageID string) (gocv.Mat, error) {
	if f.stall[imageID] {
		<-ctx.Done()
		return gocv.Mat{}, ctx.Err()
	}
	if err, ok := f.errs[imageID]; ok {
		return gocv.Mat{}, fmt.Errorf("image %s: %w", imageID, err)
	}
	m, ok := f.mats[imageID]
	if !ok {
		return gocv.Mat{}, fmt.Errorf("image %s: %w", imageID, types.ErrNotFound)
	}
	return m.Clone(), nil
}

func newFakeSource(t *testing.T, seeds map[string]int64) *fakeSource {
	t.Helper()
	source := &fakeSource{
		mats:  make(map[string]gocv.Mat),
		errs:  make(map[string]error),
		stall: make(map[string]bool),
	}
	for id, seed := range seeds {
		source.mats[id] = texturedImage(t, 220, 220, seed)
	}
	t.Cleanup(func() {
		for _, m := range source.mats {
			m.Close()
		}
	})
	return source
}

func waitTerminal(t *testing.T, c *Controller, jobID string) types.JobStatus {
	t.Helper()
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		status, _, err := c.JobStatus(jobID)
		require.NoError(t, err)
		if status.Terminal() {
			return status
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never reached a terminal status", jobID)
	return ""
}

func TestControllerLifecycle(t *testing.T) {
	source := newFakeSource(t, map[string]int64{"a.png": 1, "b.png": 1, "c.png": 777})
	c := NewController(source, nil, 2)

	jobID, err := c.StartAnalysis(context.Background(), "project-1",
		[]string{"a.png", "b.png", "c.png"}, 0.5, types.HashPerceptual)
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	status := waitTerminal(t, c, jobID)
	assert.Equal(t, types.JobCompleted, status)

	_, progress, err := c.JobStatus(jobID)
	require.NoError(t, err)
	assert.Equal(t, 100, progress)

	result, err := c.JobResult(jobID)
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, []string{"a.png", "b.png", "c.png"}, result.Matrix.Order)

	// a and b share a seed, so they are pixel-identical.
	require.Len(t, result.Groups, 1)
	assert.ElementsMatch(t, []string{"a.png", "b.png"}, result.Groups[0].Members)
	assert.Equal(t, []string{"c.png"}, result.UniqueImages)
}

func TestControllerFreshJobPerRequest(t *testing.T) {
	source := newFakeSource(t, map[string]int64{"a.png": 1})
	c := NewController(source, nil, 1)

	first, err := c.StartAnalysis(context.Background(), "p", []string{"a.png"}, 0.5, types.HashAverage)
	require.NoError(t, err)
	second, err := c.StartAnalysis(context.Background(), "p", []string{"a.png"}, 0.5, types.HashAverage)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	waitTerminal(t, c, first)
	waitTerminal(t, c, second)
}

func TestControllerValidation(t *testing.T) {
	source := newFakeSource(t, map[string]int64{"a.png": 1})
	c := NewController(source, nil, 1)

	t.Run("empty roster", func(t *testing.T) {
		_, err := c.StartAnalysis(context.Background(), "p", nil, 0.5, types.HashPerceptual)
		assert.Error(t, err)
	})

	t.Run("threshold out of range", func(t *testing.T) {
		_, err := c.StartAnalysis(context.Background(), "p", []string{"a.png"}, 1.5, types.HashPerceptual)
		assert.Error(t, err)
		_, err = c.StartAnalysis(context.Background(), "p", []string{"a.png"}, -0.1, types.HashPerceptual)
		assert.Error(t, err)
	})

	t.Run("unknown hash kind", func(t *testing.T) {
		_, err := c.StartAnalysis(context.Background(), "p", []string{"a.png"}, 0.5, types.HashKind("sha1"))
		assert.Error(t, err)
	})

	t.Run("empty kind defaults to perceptual", func(t *testing.T) {
		jobID, err := c.StartAnalysis(context.Background(), "p", []string{"a.png"}, 0.5, "")
		require.NoError(t, err)
		waitTerminal(t, c, jobID)
	})
}

func TestControllerUnknownJob(t *testing.T) {
	source := newFakeSource(t, nil)
	c := NewController(source, nil, 1)

	_, _, err := c.JobStatus("no-such-job")
	assert.ErrorIs(t, err, types.ErrNotFound)

	_, err = c.JobResult("no-such-job")
	assert.ErrorIs(t, err, types.ErrNotFound)

	err = c.Cancel("no-such-job")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestControllerResultBeforeCompletion(t *testing.T) {
	source := newFakeSource(t, map[string]int64{"a.png": 1})
	source.stall["slow.png"] = true
	c := NewController(source, nil, 1)

	jobID, err := c.StartAnalysis(context.Background(), "p",
		[]string{"a.png", "slow.png"}, 0.5, types.HashPerceptual)
	require.NoError(t, err)

	_, err = c.JobResult(jobID)
	assert.ErrorIs(t, err, types.ErrNotReady)

	require.NoError(t, c.Cancel(jobID))
}

func TestControllerCancel(t *testing.T) {
	source := newFakeSource(t, map[string]int64{"a.png": 1})
	source.stall["slow.png"] = true
	c := NewController(source, nil, 2)

	jobID, err := c.StartAnalysis(context.Background(), "p",
		[]string{"a.png", "slow.png"}, 0.5, types.HashPerceptual)
	require.NoError(t, err)

	require.NoError(t, c.Cancel(jobID))

	status := waitTerminal(t, c, jobID)
	assert.Equal(t, types.JobFailed, status)

	_, err = c.JobResult(jobID)
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCancelled)

	t.Run("cancelled job never completes", func(t *testing.T) {
		// Give the unwinding pipeline time to race the terminal state.
		time.Sleep(50 * time.Millisecond)
		status, _, err := c.JobStatus(jobID)
		require.NoError(t, err)
		assert.Equal(t, types.JobFailed, status)
	})

	t.Run("second cancel is rejected", func(t *testing.T) {
		err := c.Cancel(jobID)
		assert.ErrorIs(t, err, types.ErrNotReady)
	})
}

func TestControllerSkipsUnreadableImages(t *testing.T) {
	source := newFakeSource(t, map[string]int64{"a.png": 1, "b.png": 2})
	source.errs["broken.png"] = types.ErrDecode
	c := NewController(source, nil, 2)

	jobID, err := c.StartAnalysis(context.Background(), "p",
		[]string{"a.png", "broken.png", "b.png"}, 0.5, types.HashPerceptual)
	require.NoError(t, err)

	status := waitTerminal(t, c, jobID)
	require.Equal(t, types.JobCompleted, status)

	result, err := c.JobResult(jobID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.png", "b.png"}, result.Matrix.Order)
	assert.Equal(t, []string{"broken.png"}, result.SkippedImages)
}

func TestControllerFailsWithoutReadableImages(t *testing.T) {
	source := newFakeSource(t, nil)
	c := NewController(source, nil, 1)

	jobID, err := c.StartAnalysis(context.Background(), "p",
		[]string{"missing.png"}, 0.5, types.HashPerceptual)
	require.NoError(t, err)

	status := waitTerminal(t, c, jobID)
	assert.Equal(t, types.JobFailed, status)

	_, err = c.JobResult(jobID)
	assert.Error(t, err)
}

func TestControllerPersistsTerminalJobs(t *testing.T) {
	store, err := database.Open(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer store.Close()

	source := newFakeSource(t, map[string]int64{"a.png": 1, "b.png": 2})
	c := NewController(source, store, 2)

	jobID, err := c.StartAnalysis(context.Background(), "project-7",
		[]string{"a.png", "b.png"}, 0.5, types.HashPerceptual)
	require.NoError(t, err)
	waitTerminal(t, c, jobID)

	// Allow the post-transition write to land.
	var record *database.JobRecord
	require.Eventually(t, func() bool {
		record, err = store.GetJob(jobID)
		return err == nil
	}, 10*time.Second, 20*time.Millisecond)

	assert.Equal(t, types.JobCompleted, record.Status)
	assert.Equal(t, "project-7", record.ProjectScope)
	assert.Equal(t, types.HashPerceptual, record.HashKind)
	require.NotNil(t, record.Result)
	assert.Equal(t, []string{"a.png", "b.png"}, record.Result.Matrix.Order)
}
