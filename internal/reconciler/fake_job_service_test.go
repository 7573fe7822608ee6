package reconciler

import (
	"fmt"
	"sync"
	"time"

	"github.com/reflection-io/reflection/internal/jobservice"
)

// fakeJobService is a synchronous, manually-driven jobservice.Service used
// by manager tests: jobs stay RUNNING until a test explicitly completes,
// cancels, or fails them, giving full control over which wakeup observes
// which terminal state.
type fakeJobService struct {
	mutex  sync.Mutex
	jobs   map[string]*jobservice.Job
	nextID int
}

func newFakeJobService() *fakeJobService {
	return &fakeJobService{jobs: make(map[string]*jobservice.Job)}
}

func (f *fakeJobService) SubmitJob(request jobservice.Request, _ jobservice.Listener) (*jobservice.Job, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	f.nextID++
	job := &jobservice.Job{
		ID:          fmt.Sprintf("job-%d", f.nextID),
		Request:     request,
		State:       jobservice.StateRunning,
		SubmittedAt: time.Now().UTC(),
	}
	f.jobs[job.ID] = job

	jobCopy := *job

	return &jobCopy, nil
}

func (f *fakeJobService) GetJobFromStore(jobID string) (*jobservice.Job, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	job, exists := f.jobs[jobID]
	if !exists {
		return nil, jobservice.ErrJobNotFound
	}

	jobCopy := *job

	return &jobCopy, nil
}

func (f *fakeJobService) Cancel(_, jobID string) error {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	job, exists := f.jobs[jobID]
	if !exists {
		return jobservice.ErrJobNotFound
	}

	job.State = jobservice.StateCanceled
	job.FinishedAt = time.Now().UTC()

	return nil
}

func (f *fakeJobService) complete(jobID string, rowsOwned int) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	job := f.jobs[jobID]
	job.State = jobservice.StateCompleted
	job.RowsOwned = rowsOwned
	job.FinishedAt = time.Now().UTC()
}

func (f *fakeJobService) fail(jobID, message string) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	job := f.jobs[jobID]
	job.State = jobservice.StateFailed
	job.Failure = message
	job.FinishedAt = time.Now().UTC()
}

