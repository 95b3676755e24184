package quota

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/osgrid/talon/model"
)

type fakeCounts struct {
	system     int
	systemUser int
	queue      int
	queueUser  int
}

func (f *fakeCounts) CountActiveSystemJobs(context.Context, string, string) (int, error) {
	return f.system, nil
}

func (f *fakeCounts) CountActiveSystemUserJobs(context.Context, string, string, string) (int, error) {
	return f.systemUser, nil
}

func (f *fakeCounts) CountActiveQueueJobs(context.Context, string, string, string) (int, error) {
	return f.queue, nil
}

func (f *fakeCounts) CountActiveQueueUserJobs(context.Context, string, string, string, string) (int, error) {
	return f.queueUser, nil
}

type fakeEvents struct {
	events []model.JobEvent
}

func (f *fakeEvents) RecordJobEvent(_ context.Context, jobUUID, event, detail string) error {
	f.events = append(f.events, model.JobEvent{
		JobUUID: uuid.MustParse(jobUUID),
		Event:   event,
		Detail:  detail,
	})
	return nil
}

func testJob() *model.Job {
	return &model.Job{
		UUID:         uuid.New(),
		Tenant:       "designsafe",
		Owner:        "ada",
		ExecSystemID: "stampede3",
		RemoteQueue:  "normal",
	}
}

func TestSystemQuotaBoundary(t *testing.T) {
	counts := &fakeCounts{}
	checker := NewChecker(counts, nil, Limits{MaxSystemJobs: 5})
	job := testJob()

	// Strictly-greater-than: a count equal to the limit passes.
	counts.system = 5
	require.NoError(t, checker.Check(context.Background(), job))

	counts.system = 6
	err := checker.Check(context.Background(), job)
	var ee *ExceededError
	require.ErrorAs(t, err, &ee)
	require.Equal(t, DimSystemJobs, ee.Dimension)
	require.Equal(t, 6, ee.Count)
	require.Equal(t, 5, ee.Limit)
	require.Contains(t, err.Error(), "stampede3")
	require.Contains(t, err.Error(), "designsafe")
}

func TestUnconfiguredDimensionsAreSkipped(t *testing.T) {
	counts := &fakeCounts{system: 1000, systemUser: 1000, queue: 1000, queueUser: 1000}
	checker := NewChecker(counts, nil, Limits{})

	require.NoError(t, checker.Check(context.Background(), testJob()))
}

func TestDimensionsCheckedInOrder(t *testing.T) {
	tests := []struct {
		name   string
		counts fakeCounts
		limits Limits
		want   string
	}{
		{
			name:   "system wins over system-user",
			counts: fakeCounts{system: 10, systemUser: 10},
			limits: Limits{MaxSystemJobs: 1, MaxSystemUserJobs: 1},
			want:   DimSystemJobs,
		},
		{
			name:   "system-user wins over queue",
			counts: fakeCounts{systemUser: 10, queue: 10},
			limits: Limits{MaxSystemJobs: 100, MaxSystemUserJobs: 1, MaxQueueJobs: 1},
			want:   DimSystemUserJobs,
		},
		{
			name:   "queue wins over queue-user",
			counts: fakeCounts{queue: 10, queueUser: 10},
			limits: Limits{MaxQueueJobs: 1, MaxQueueUserJobs: 1},
			want:   DimQueueJobs,
		},
		{
			name:   "queue-user checked last",
			counts: fakeCounts{queueUser: 10},
			limits: Limits{MaxSystemJobs: 100, MaxSystemUserJobs: 100, MaxQueueJobs: 100, MaxQueueUserJobs: 1},
			want:   DimQueueUserJobs,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checker := NewChecker(&tt.counts, nil, tt.limits)
			err := checker.Check(context.Background(), testJob())
			var ee *ExceededError
			require.ErrorAs(t, err, &ee)
			require.Equal(t, tt.want, ee.Dimension)
		})
	}
}

func TestQueueDimensionsSkippedWithoutQueue(t *testing.T) {
	counts := &fakeCounts{queue: 1000, queueUser: 1000}
	checker := NewChecker(counts, nil, Limits{MaxQueueJobs: 1, MaxQueueUserJobs: 1})

	job := testJob()
	job.RemoteQueue = ""
	require.NoError(t, checker.Check(context.Background(), job))
}

func TestViolationRecordsAuditEvent(t *testing.T) {
	counts := &fakeCounts{system: 6}
	events := &fakeEvents{}
	checker := NewChecker(counts, events, Limits{MaxSystemJobs: 5})

	job := testJob()
	err := checker.Check(context.Background(), job)
	require.Error(t, err)

	require.Len(t, events.events, 1)
	require.Equal(t, EventCheckQuota, events.events[0].Event)
	require.Equal(t, job.UUID, events.events[0].JobUUID)
	require.Contains(t, events.events[0].Detail, DimSystemJobs)
}

func TestWouldPass(t *testing.T) {
	counts := &fakeCounts{system: 6}
	events := &fakeEvents{}
	checker := NewChecker(counts, events, Limits{MaxSystemJobs: 5})

	ok, err := checker.WouldPass(context.Background(), "designsafe", "stampede3", "ada", "normal")
	require.NoError(t, err)
	require.False(t, ok)
	require.Empty(t, events.events, "probes must not write audit events")

	counts.system = 2
	ok, err = checker.WouldPass(context.Background(), "designsafe", "stampede3", "ada", "normal")
	require.NoError(t, err)
	require.True(t, ok)
}
