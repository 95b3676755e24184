package worker

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/osgrid/talon/model"
)

func TestMailboxTakeClears(t *testing.T) {
	var m Mailbox
	require.Nil(t, m.Take())

	cmd := &model.AsyncCommand{Type: model.CommandCancel, JobUUID: uuid.New()}
	m.Post(cmd)

	require.Equal(t, cmd, m.Take())
	require.Nil(t, m.Take())
}

func TestMailboxNewCommandOverwritesUnread(t *testing.T) {
	var m Mailbox

	m.Post(&model.AsyncCommand{Type: model.CommandStatus})
	pause := &model.AsyncCommand{Type: model.CommandPause}
	m.Post(pause)

	require.Equal(t, pause, m.Take())
	require.Nil(t, m.Take())
}

// A conditional take must not consume a command that replaced the one
// peeked, so a command posted mid-check is never lost.
func TestMailboxTakeIfRespectsNewerCommand(t *testing.T) {
	var m Mailbox

	pause := &model.AsyncCommand{Type: model.CommandPause}
	m.Post(pause)
	peeked := m.Peek()
	require.Same(t, pause, peeked)

	cancel := &model.AsyncCommand{Type: model.CommandCancel}
	m.Post(cancel)

	require.False(t, m.TakeIf(peeked))
	require.Same(t, cancel, m.Take())
	require.Nil(t, m.Peek())
}

// Each posted command is observed at most once across concurrent takers.
func TestMailboxConcurrentTakeIsExactlyOnce(t *testing.T) {
	var m Mailbox
	var taken atomic.Int64
	var wg sync.WaitGroup

	const rounds = 1000
	for i := 0; i < rounds; i++ {
		m.Post(&model.AsyncCommand{Type: model.CommandCancel})

		wg.Add(4)
		for g := 0; g < 4; g++ {
			go func() {
				defer wg.Done()
				if m.Take() != nil {
					taken.Add(1)
				}
			}()
		}
		wg.Wait()
	}

	require.Equal(t, int64(rounds), taken.Load())
}
