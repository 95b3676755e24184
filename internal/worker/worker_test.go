package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/osgrid/talon/internal/config"
	"github.com/osgrid/talon/internal/db/repository"
	"github.com/osgrid/talon/internal/lifecycle"
	"github.com/osgrid/talon/internal/queue"
	"github.com/osgrid/talon/internal/quota"
	"github.com/osgrid/talon/internal/recovery"
	"github.com/osgrid/talon/internal/service/logger"
	"github.com/osgrid/talon/model"
)

func init() {
	logger.Init("worker-test")
}

// ---------- fakes ----------

type statusChange struct {
	uuid    string
	status  lifecycle.Status
	message string
}

type fakeJobStore struct {
	mu           sync.Mutex
	jobs         map[string]*model.Job
	changes      []statusChange
	remoteWrites int
	blockedIncr  int
	failUpdate   bool
	loadErr      error
}

func newFakeJobStore() *fakeJobStore {
	return &fakeJobStore{jobs: map[string]*model.Job{}}
}

func (f *fakeJobStore) GetJobByUUID(ctx context.Context, id string) (*model.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	j, ok := f.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, repository.ErrJobNotFound)
	}
	return j, nil
}

func (f *fakeJobStore) UpdateStatus(ctx context.Context, id string, status lifecycle.Status, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failUpdate {
		return fmt.Errorf("db unavailable")
	}
	f.changes = append(f.changes, statusChange{uuid: id, status: status, message: message})
	if j, ok := f.jobs[id]; ok {
		j.Status = string(status)
	}
	return nil
}

func (f *fakeJobStore) UpdateRemoteInfo(ctx context.Context, job *model.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remoteWrites++
	return nil
}

func (f *fakeJobStore) IncrementBlockedCount(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockedIncr++
	return nil
}

func (f *fakeJobStore) statuses() []lifecycle.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]lifecycle.Status, 0, len(f.changes))
	for _, c := range f.changes {
		out = append(out, c.status)
	}
	return out
}

type fakeRecoveryStore struct {
	mu          sync.Mutex
	recs        map[string]*recovery.JobRecovery
	nextID      int64
	deleted     []int64
	attempts    int
	missNextGet bool
}

func newFakeRecoveryStore() *fakeRecoveryStore {
	return &fakeRecoveryStore{recs: map[string]*recovery.JobRecovery{}}
}

func (f *fakeRecoveryStore) GetRecovery(ctx context.Context, tenant, hash string) (*recovery.JobRecovery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.missNextGet {
		f.missNextGet = false
		return nil, repository.ErrRecoveryNotFound
	}
	rec, ok := f.recs[tenant+"|"+hash]
	if !ok {
		return nil, repository.ErrRecoveryNotFound
	}
	return rec, nil
}

func (f *fakeRecoveryStore) CreateRecovery(ctx context.Context, rec *recovery.JobRecovery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.recs[rec.Key()]; exists {
		return repository.ErrRecoveryExists
	}
	f.nextID++
	rec.SetID(f.nextID)
	f.recs[rec.Key()] = rec
	return nil
}

func (f *fakeRecoveryStore) AddBlockedJob(ctx context.Context, recoveryID int64, jb *recovery.JobBlocked) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, rec := range f.recs {
		if rec.ID() == recoveryID {
			rec.AddBlockedJob(jb)
			return nil
		}
	}
	return fmt.Errorf("recovery %d not found", recoveryID)
}

func (f *fakeRecoveryStore) UpdateAttempts(ctx context.Context, rec *recovery.JobRecovery) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	return nil
}

func (f *fakeRecoveryStore) ListDue(ctx context.Context, limit int) ([]*recovery.JobRecovery, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*recovery.JobRecovery
	for _, rec := range f.recs {
		out = append(out, rec)
	}
	return out, nil
}

func (f *fakeRecoveryStore) DeleteRecovery(ctx context.Context, recoveryID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k, rec := range f.recs {
		if rec.ID() == recoveryID {
			delete(f.recs, k)
			f.deleted = append(f.deleted, recoveryID)
			return nil
		}
	}
	return fmt.Errorf("recovery %d not found", recoveryID)
}

type published struct {
	event queue.Event
	data  string
}

type fakeQueue struct {
	mu        sync.Mutex
	published []published
}

func (f *fakeQueue) Publish(ctx context.Context, event queue.Event, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{event: event, data: string(data)})
	return nil
}

func (f *fakeQueue) AddConsumer(stream, durable string) error { return nil }

func (f *fakeQueue) SubscribeEvent(event queue.Event, durable string) (queue.Subscription, error) {
	return nil, fmt.Errorf("not supported in fake")
}

func (f *fakeQueue) SubscribeBroadcast(event queue.Event, handler func([]byte)) (func(), error) {
	return func() {}, nil
}

func (f *fakeQueue) Shutdown() {}

func (f *fakeQueue) events(e queue.Event) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, p := range f.published {
		if p.event == e {
			out = append(out, p.data)
		}
	}
	return out
}

type fakeStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{objects: map[string][]byte{}}
}

func (f *fakeStorage) Upload(ctx context.Context, path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[path] = data
	return nil
}

func (f *fakeStorage) Download(ctx context.Context, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if d, ok := f.objects[path]; ok {
		return d, nil
	}
	return nil, fmt.Errorf("object %s not found", path)
}

func (f *fakeStorage) Close() {}

// fakeRemote scripts one answer per interaction.
type fakeRemote struct {
	submitErr error
	stageErr  error
	states    []RemoteState
	statusIdx int
}

func (f *fakeRemote) ProcessInputs(ctx context.Context, job *model.Job) error { return nil }

func (f *fakeRemote) StageInputs(ctx context.Context, job *model.Job) error { return f.stageErr }

func (f *fakeRemote) StageJob(ctx context.Context, job *model.Job) error { return nil }

func (f *fakeRemote) Submit(ctx context.Context, job *model.Job) (string, string, error) {
	if f.submitErr != nil {
		return "", "", f.submitErr
	}
	return "remote-123", "normal", nil
}

func (f *fakeRemote) Status(ctx context.Context, job *model.Job) (RemoteState, error) {
	if f.statusIdx >= len(f.states) {
		return RemoteDone, nil
	}
	s := f.states[f.statusIdx]
	f.statusIdx++
	return s, nil
}

func (f *fakeRemote) Archive(ctx context.Context, job *model.Job) ([]byte, error) {
	return []byte(`{"outputs":[]}`), nil
}

type fakeCounts struct{ count int }

func (f *fakeCounts) CountActiveSystemJobs(ctx context.Context, tenant, systemID string) (int, error) {
	return f.count, nil
}
func (f *fakeCounts) CountActiveSystemUserJobs(ctx context.Context, tenant, systemID, owner string) (int, error) {
	return f.count, nil
}
func (f *fakeCounts) CountActiveQueueJobs(ctx context.Context, tenant, systemID, queue string) (int, error) {
	return f.count, nil
}
func (f *fakeCounts) CountActiveQueueUserJobs(ctx context.Context, tenant, systemID, queue, owner string) (int, error) {
	return f.count, nil
}

type fakeEvents struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeEvents) RecordJobEvent(ctx context.Context, jobUUID, event, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

// ---------- harness ----------

type harness struct {
	worker  *Worker
	jobs    *fakeJobStore
	recs    *fakeRecoveryStore
	queue   *fakeQueue
	storage *fakeStorage
	remote  *fakeRemote
}

func newHarness(t *testing.T, activeCount, maxSystemJobs int) *harness {
	t.Helper()

	jobs := newFakeJobStore()
	recs := newFakeRecoveryStore()
	q := &fakeQueue{}
	st := newFakeStorage()
	remote := &fakeRemote{states: []RemoteState{RemoteQueued, RemoteRunning, RemoteDone}}

	checker := quota.NewChecker(&fakeCounts{count: activeCount}, &fakeEvents{}, quota.Limits{
		MaxSystemJobs: maxSystemJobs,
	})

	w := New(jobs, recs, st, q, checker, remote,
		&config.WorkerConfig{WORKER_COUNT: 1, REAPER_INTERVAL_SECONDS: 60, MIN_RECOVERY_WAIT_SECONDS: 1},
		&config.ThrottleConfig{WINDOW_SECONDS: 60, LIMIT: 1000, SWEEP_SECONDS: 3600},
	)
	t.Cleanup(w.Stop)

	return &harness{worker: w, jobs: jobs, recs: recs, queue: q, storage: st, remote: remote}
}

func (h *harness) addJob(status lifecycle.Status) *model.Job {
	job := &model.Job{
		UUID:            uuid.New(),
		Tenant:          "designsafe",
		Owner:           "amber",
		Status:          string(status),
		ExecSystemID:    "stampede3",
		ArchiveSystemID: "corral",
		RemoteQueue:     "normal",
		Visible:         true,
	}
	h.jobs.mu.Lock()
	h.jobs.jobs[job.UUID.String()] = job
	h.jobs.mu.Unlock()
	return job
}

// ---------- pipeline tests ----------

func TestPipelineHappyPath(t *testing.T) {
	h := newHarness(t, 0, 10)
	job := h.addJob(lifecycle.StatusPending)

	ec := NewExecutionContext(job, h.jobs, NewQueueKiller(h.queue))
	h.worker.run(context.Background(), ec)

	require.Equal(t, []lifecycle.Status{
		lifecycle.StatusProcessingInputs,
		lifecycle.StatusStagingInputs,
		lifecycle.StatusStagingJob,
		lifecycle.StatusSubmittingJob,
		lifecycle.StatusQueued,
		lifecycle.StatusRunning,
		lifecycle.StatusArchiving,
		lifecycle.StatusFinished,
	}, h.jobs.statuses())

	require.Equal(t, "remote-123", job.RemoteJobID)
	require.Contains(t, h.storage.objects, "archives/designsafe/"+job.UUID.String()+"/manifest.json")
}

func TestPipelineFatalErrorFailsJob(t *testing.T) {
	h := newHarness(t, 0, 10)
	h.remote.stageErr = fmt.Errorf("corrupt input manifest")
	job := h.addJob(lifecycle.StatusPending)

	ec := NewExecutionContext(job, h.jobs, NewQueueKiller(h.queue))
	h.worker.run(context.Background(), ec)

	statuses := h.jobs.statuses()
	require.Equal(t, lifecycle.StatusFailed, statuses[len(statuses)-1])
	require.Equal(t, string(lifecycle.StatusFailed), job.Status)
}

func TestQuotaViolationBlocksJob(t *testing.T) {
	h := newHarness(t, 11, 10) // count over limit: submission violates
	job := h.addJob(lifecycle.StatusPending)

	ec := NewExecutionContext(job, h.jobs, NewQueueKiller(h.queue))
	h.worker.run(context.Background(), ec)

	statuses := h.jobs.statuses()
	require.Equal(t, lifecycle.StatusBlocked, statuses[len(statuses)-1])
	require.Equal(t, 1, h.jobs.blockedIncr)

	// One recovery record carrying exactly this job.
	require.Len(t, h.recs.recs, 1)
	for _, rec := range h.recs.recs {
		require.Equal(t, recovery.CondQuotaExceeded, rec.ConditionCode)
		require.Equal(t, []string{job.UUID.String()}, rec.BlockedJobUUIDs())
	}
}

func TestSecondBlockedJobJoinsExistingRecovery(t *testing.T) {
	h := newHarness(t, 11, 10)

	first := h.addJob(lifecycle.StatusPending)
	second := h.addJob(lifecycle.StatusPending)

	h.worker.run(context.Background(), NewExecutionContext(first, h.jobs, NewQueueKiller(h.queue)))
	h.worker.run(context.Background(), NewExecutionContext(second, h.jobs, NewQueueKiller(h.queue)))

	require.Len(t, h.recs.recs, 1)
	for _, rec := range h.recs.recs {
		require.ElementsMatch(t,
			[]string{first.UUID.String(), second.UUID.String()},
			rec.BlockedJobUUIDs())
	}
}

func TestBlockedCreateRaceJoinsWinner(t *testing.T) {
	h := newHarness(t, 11, 10)

	first := h.addJob(lifecycle.StatusPending)
	h.worker.run(context.Background(), NewExecutionContext(first, h.jobs, NewQueueKiller(h.queue)))
	require.Len(t, h.recs.recs, 1)

	// The lookup misses while the insert conflicts, as happens when another
	// worker creates the record between the two.
	h.recs.missNextGet = true
	second := h.addJob(lifecycle.StatusPending)
	h.worker.run(context.Background(), NewExecutionContext(second, h.jobs, NewQueueKiller(h.queue)))

	require.Len(t, h.recs.recs, 1)
	for _, rec := range h.recs.recs {
		require.ElementsMatch(t,
			[]string{first.UUID.String(), second.UUID.String()},
			rec.BlockedJobUUIDs())
	}
}

// cancelDuringStageRemote posts a cancel while a stage is in flight, then
// fails that stage with a recoverable error.
type cancelDuringStageRemote struct {
	fakeRemote
	ec *ExecutionContext
}

func (r *cancelDuringStageRemote) StageInputs(ctx context.Context, job *model.Job) error {
	r.ec.Post(&model.AsyncCommand{Type: model.CommandCancel, JobUUID: job.UUID, Sender: "amber"})
	return &BlockedError{
		ConditionCode:    recovery.CondSystemUnavailable,
		TesterType:       recovery.TesterSystemAvailable,
		TesterParameters: map[string]string{"tenant": job.Tenant, "systemId": job.ExecSystemID},
		PolicyType:       recovery.PolicyStepwise,
		PolicyParameters: map[string]string{},
		Message:          "stampede3 went away mid-stage",
	}
}

func TestPendingCancelWinsOverRecovery(t *testing.T) {
	h := newHarness(t, 0, 10)
	job := h.addJob(lifecycle.StatusPending)

	ec := NewExecutionContext(job, h.jobs, NewQueueKiller(h.queue))
	h.worker.remote = &cancelDuringStageRemote{ec: ec}

	h.worker.run(context.Background(), ec)

	require.Equal(t, string(lifecycle.StatusCancelled), job.Status)
	require.Empty(t, h.recs.recs)
	require.Zero(t, h.jobs.blockedIncr)
	require.Nil(t, ec.mbox.Take())
}

// ---------- command tests ----------

func TestCancelCommandInterruptsPipeline(t *testing.T) {
	h := newHarness(t, 0, 10)
	job := h.addJob(lifecycle.StatusPending)

	ec := NewExecutionContext(job, h.jobs, NewQueueKiller(h.queue))
	ec.Post(&model.AsyncCommand{Type: model.CommandCancel, JobUUID: job.UUID, Sender: "amber"})

	h.worker.run(context.Background(), ec)

	require.Equal(t, string(lifecycle.StatusCancelled), job.Status)
	// No pipeline stage ran after the cancel.
	require.Equal(t, []lifecycle.Status{lifecycle.StatusCancelled}, h.jobs.statuses())
}

func TestPauseCommandInterruptsMidPipeline(t *testing.T) {
	h := newHarness(t, 0, 10)
	job := h.addJob(lifecycle.StatusPending)

	ec := NewExecutionContext(job, h.jobs, NewQueueKiller(h.queue))
	// CheckForCancelOnly must leave a pause in place; the stage loop then
	// honors it before the first stage.
	ec.Post(&model.AsyncCommand{Type: model.CommandPause, JobUUID: job.UUID, Sender: "amber"})

	h.worker.run(context.Background(), ec)

	require.Equal(t, string(lifecycle.StatusPaused), job.Status)
	require.Equal(t, []lifecycle.Status{lifecycle.StatusPaused}, h.jobs.statuses())
}

func TestStatusCommandDoesNotInterrupt(t *testing.T) {
	h := newHarness(t, 0, 10)
	job := h.addJob(lifecycle.StatusPending)

	ec := NewExecutionContext(job, h.jobs, NewQueueKiller(h.queue))
	ec.Post(&model.AsyncCommand{Type: model.CommandStatus, JobUUID: job.UUID, Sender: "amber"})

	h.worker.run(context.Background(), ec)

	require.Equal(t, string(lifecycle.StatusFinished), job.Status)
}

func TestPersistFailureDropsCommand(t *testing.T) {
	h := newHarness(t, 0, 10)
	job := h.addJob(lifecycle.StatusPending)

	ec := NewExecutionContext(job, h.jobs, NewQueueKiller(h.queue))
	ec.Post(&model.AsyncCommand{Type: model.CommandCancel, JobUUID: job.UUID, Sender: "amber"})

	h.jobs.failUpdate = true
	err := ec.CheckForCommand(context.Background())
	require.NoError(t, err) // dropped, not interrupted
	require.Nil(t, ec.mbox.Take())
	require.NotEqual(t, string(lifecycle.StatusCancelled), job.Status)
}

func TestCancelPublishesRemoteKill(t *testing.T) {
	h := newHarness(t, 0, 10)
	job := h.addJob(lifecycle.StatusRunning)
	job.RemoteJobID = "remote-456"

	ec := NewExecutionContext(job, h.jobs, NewQueueKiller(h.queue))
	ec.Post(&model.AsyncCommand{Type: model.CommandCancel, JobUUID: job.UUID, Sender: "ops"})

	err := ec.CheckForCommand(context.Background())
	require.ErrorIs(t, err, errCommandInterrupt)
	require.Len(t, h.queue.events(queue.JobKill), 1)
}

func TestCheckForCancelOnlyIgnoresPause(t *testing.T) {
	h := newHarness(t, 0, 10)
	job := h.addJob(lifecycle.StatusPending)

	ec := NewExecutionContext(job, h.jobs, NewQueueKiller(h.queue))
	ec.Post(&model.AsyncCommand{Type: model.CommandPause, JobUUID: job.UUID})

	require.NoError(t, ec.CheckForCancelOnly(context.Background()))
	// The pause is still pending for the stage loop.
	require.NotNil(t, ec.mbox.Take())
}

// ---------- reaper tests ----------

func newReaperHarness(t *testing.T, available bool) (*Reaper, *harness) {
	h := newHarness(t, 0, 10)

	systems := &scriptedSystems{available: available}
	r := NewReaper(h.jobs, h.recs, h.queue,
		recovery.TesterDeps{Systems: systems},
		time.Hour, time.Millisecond)
	return r, h
}

type scriptedSystems struct{ available bool }

func (s *scriptedSystems) IsAvailable(ctx context.Context, tenant, systemID string) (bool, error) {
	return s.available, nil
}

func blockedRecovery(t *testing.T, h *harness, jobUUIDs ...string) *recovery.JobRecovery {
	t.Helper()
	params := map[string]string{"tenant": "designsafe", "systemId": "stampede3"}
	msg := &recovery.RecoverMsg{
		TenantID:         "designsafe",
		ConditionCode:    recovery.CondSystemUnavailable,
		TesterType:       recovery.TesterSystemAvailable,
		TesterParameters: params,
		TesterHash:       recovery.ComputeTesterHash(recovery.TesterSystemAvailable, params),
		PolicyType:       recovery.PolicyConstant,
		PolicyParameters: map[string]string{"waitMillis": "1", "maxTries": "2"},
		JobUUID:          jobUUIDs[0],
		StatusMessage:    "stampede3 is down",
		SuccessStatus:    string(lifecycle.StatusPending),
	}
	rec, err := recovery.NewJobRecovery(msg, time.Millisecond)
	require.NoError(t, err)
	for _, id := range jobUUIDs[1:] {
		rec.AddBlockedJob(&recovery.JobBlocked{
			JobUUID:       id,
			SuccessStatus: string(lifecycle.StatusPending),
			Created:       time.Now().UTC(),
		})
	}
	require.NoError(t, h.recs.CreateRecovery(context.Background(), rec))
	return rec
}

func TestReaperUnblocksWhenConditionClears(t *testing.T) {
	r, h := newReaperHarness(t, true)

	j1 := h.addJob(lifecycle.StatusBlocked)
	j2 := h.addJob(lifecycle.StatusBlocked)
	rec := blockedRecovery(t, h, j1.UUID.String(), j2.UUID.String())

	r.sweep(context.Background())

	require.Equal(t, string(lifecycle.StatusPending), j1.Status)
	require.Equal(t, string(lifecycle.StatusPending), j2.Status)
	require.ElementsMatch(t,
		[]string{j1.UUID.String(), j2.UUID.String()},
		h.queue.events(queue.JobDispatch))
	require.Contains(t, h.recs.deleted, rec.ID())
}

func TestReaperIncrementsWhileConditionHolds(t *testing.T) {
	r, h := newReaperHarness(t, false)

	j1 := h.addJob(lifecycle.StatusBlocked)
	blockedRecovery(t, h, j1.UUID.String())

	r.sweep(context.Background())

	require.Equal(t, string(lifecycle.StatusBlocked), j1.Status)
	require.Equal(t, 1, h.recs.attempts)
	require.Empty(t, h.recs.deleted)
}

func TestReaperFailsJobsOnExpiry(t *testing.T) {
	r, h := newReaperHarness(t, false)

	j1 := h.addJob(lifecycle.StatusBlocked)
	rec := blockedRecovery(t, h, j1.UUID.String())

	// Policy allows 2 tries; the third sweep expires it.
	r.sweep(context.Background())
	r.sweep(context.Background())
	r.sweep(context.Background())

	require.Equal(t, string(lifecycle.StatusFailed), j1.Status)
	require.Contains(t, h.recs.deleted, rec.ID())
}

// ---------- dispatch tests ----------

type fakeMsg struct {
	data  []byte
	acked bool
	naked bool
}

func (m *fakeMsg) Data() []byte { return m.data }
func (m *fakeMsg) Ack() error   { m.acked = true; return nil }
func (m *fakeMsg) Nak() error   { m.naked = true; return nil }

func TestDispatchSkipsTerminalJobs(t *testing.T) {
	h := newHarness(t, 0, 10)
	job := h.addJob(lifecycle.StatusFinished)

	msg := &fakeMsg{data: []byte(job.UUID.String())}
	h.worker.handleDispatch(context.Background(), msg)

	require.True(t, msg.acked)
	require.Empty(t, h.jobs.statuses())
}

func TestDispatchAcksUnknownJob(t *testing.T) {
	h := newHarness(t, 0, 10)

	msg := &fakeMsg{data: []byte(uuid.NewString())}
	h.worker.handleDispatch(context.Background(), msg)

	require.True(t, msg.acked)
	require.False(t, msg.naked)
}

func TestDispatchNaksOnTransientLoadError(t *testing.T) {
	h := newHarness(t, 0, 10)
	job := h.addJob(lifecycle.StatusPending)
	h.jobs.loadErr = fmt.Errorf("connection reset")

	msg := &fakeMsg{data: []byte(job.UUID.String())}
	h.worker.handleDispatch(context.Background(), msg)

	require.True(t, msg.naked)
	require.False(t, msg.acked)
	require.Empty(t, h.jobs.changes)
}

func TestCommandBroadcastRoutesToOwningContext(t *testing.T) {
	h := newHarness(t, 0, 10)
	job := h.addJob(lifecycle.StatusRunning)

	ec := NewExecutionContext(job, h.jobs, NewQueueKiller(h.queue))
	h.worker.contexts.Set(job.UUID.String(), ec)

	owned, err := json.Marshal(model.AsyncCommand{Type: model.CommandStatus, JobUUID: job.UUID, CorrelationID: "c-1"})
	require.NoError(t, err)
	h.worker.handleCommand(owned)
	require.NotNil(t, ec.mbox.Peek())

	// A command for a job this process does not hold is dropped.
	stranger, err := json.Marshal(model.AsyncCommand{Type: model.CommandCancel, JobUUID: uuid.New(), CorrelationID: "c-2"})
	require.NoError(t, err)
	h.worker.handleCommand(stranger)
	require.Equal(t, model.CommandStatus, ec.mbox.Peek().Type)
}

func TestDispatchNaksWhenThrottled(t *testing.T) {
	jobs := newFakeJobStore()
	checker := quota.NewChecker(&fakeCounts{}, &fakeEvents{}, quota.Limits{})
	w := New(jobs, newFakeRecoveryStore(), newFakeStorage(), &fakeQueue{}, checker,
		&fakeRemote{},
		&config.WorkerConfig{WORKER_COUNT: 1, MIN_RECOVERY_WAIT_SECONDS: 1},
		&config.ThrottleConfig{WINDOW_SECONDS: 60, LIMIT: 1, SWEEP_SECONDS: 3600},
	)
	defer w.Stop()

	h := &harness{worker: w, jobs: jobs}
	j1 := h.addJob(lifecycle.StatusPending)
	j2 := h.addJob(lifecycle.StatusPending)

	first := &fakeMsg{data: []byte(j1.UUID.String())}
	w.handleDispatch(context.Background(), first)
	require.True(t, first.acked)

	second := &fakeMsg{data: []byte(j2.UUID.String())}
	w.handleDispatch(context.Background(), second)
	require.True(t, second.naked)
	require.Equal(t, string(lifecycle.StatusPending), j2.Status)
}
