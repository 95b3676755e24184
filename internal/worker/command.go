package worker

import (
	"sync/atomic"

	"github.com/osgrid/talon/model"
)

// Mailbox holds at most one pending asynchronous command for a job. A new
// command overwrites an unread one; the owning worker drains it with Take,
// which atomically reads and clears so a command is acted on exactly once.
type Mailbox struct {
	cmd atomic.Pointer[model.AsyncCommand]
}

func (m *Mailbox) Post(cmd *model.AsyncCommand) {
	m.cmd.Store(cmd)
}

// Take returns the pending command and clears the mailbox, or nil.
func (m *Mailbox) Take() *model.AsyncCommand {
	return m.cmd.Swap(nil)
}

// Peek returns the pending command without consuming it.
func (m *Mailbox) Peek() *model.AsyncCommand {
	return m.cmd.Load()
}

// TakeIf consumes cmd only while it is still the pending command. It reports
// false when a newer command has replaced it, which then stays pending.
func (m *Mailbox) TakeIf(cmd *model.AsyncCommand) bool {
	return m.cmd.CompareAndSwap(cmd, nil)
}
