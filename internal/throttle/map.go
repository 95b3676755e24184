package throttle

import (
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"

	"github.com/osgrid/talon/internal/service/logger"
)

type entry struct {
	throttle *Throttle

	// candidate marks an entry observed empty on the previous sweep. Only the
	// sweeper goroutine reads or writes it.
	candidate bool
}

// Map is a keyed registry of throttles sharing one window/limit
// configuration. A background sweep evicts entries only after observing them
// empty on two consecutive rounds, tolerating the race between a caller
// obtaining a throttle and recording into it.
type Map struct {
	name          string
	windowSeconds int
	limit         int
	sweepInterval time.Duration

	entries cmap.ConcurrentMap[string, *entry]
	stop    chan struct{}
	done    chan struct{}
}

func NewMap(name string, windowSeconds, limit, sweepSeconds int) *Map {
	m := &Map{
		name:          name,
		windowSeconds: windowSeconds,
		limit:         limit,
		sweepInterval: time.Duration(sweepSeconds) * time.Second,
		entries:       cmap.New[*entry](),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go m.sweeper()
	return m
}

// Record finds or atomically creates the keyed throttle and records one event
// against it. When two callers race to create the same key only one throttle
// wins; the loser's object is discarded unused.
func (m *Map) Record(key string) bool {
	for {
		e, ok := m.entries.Get(key)
		if !ok {
			created := &entry{throttle: NewThrottle(m.windowSeconds, m.limit)}
			if m.entries.SetIfAbsent(key, created) {
				e = created
			} else if e, ok = m.entries.Get(key); !ok {
				// Winner was swept between our set attempt and the re-read.
				continue
			}
		}
		return e.throttle.Record()
	}
}

// Len returns the number of keyed throttles currently registered.
func (m *Map) Len() int {
	return m.entries.Count()
}

// Stop terminates the background sweeper. Safe to call once.
func (m *Map) Stop() {
	close(m.stop)
	<-m.done
}

func (m *Map) sweeper() {
	defer close(m.done)

	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

// sweep runs one two-round eviction pass: entries empty on this round and the
// last are removed, entries empty for the first time become candidates, and
// any non-empty entry loses candidacy.
func (m *Map) sweep() {
	defer func() {
		if r := recover(); r != nil {
			logger.Log.Error().Interface("panic", r).Str("map", m.name).
				Msg("throttle sweep failed")
		}
	}()

	for t := range m.entries.IterBuffered() {
		e := t.Val
		if !e.throttle.Empty() {
			e.candidate = false
			continue
		}
		if !e.candidate {
			e.candidate = true
			continue
		}
		// Second consecutive empty observation. Re-check under the shard lock
		// so a record that slipped in keeps the key alive.
		m.entries.RemoveCb(t.Key, func(_ string, v *entry, exists bool) bool {
			return exists && v == e && v.throttle.Empty()
		})
	}
}
