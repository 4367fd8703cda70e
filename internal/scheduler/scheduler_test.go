package scheduler

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbox-digest/internal/config"
	"github.com/ignite/inbox-digest/internal/digest"
)

type countingTrigger struct {
	calls int32
	mode  digest.Mode
}

func (c *countingTrigger) StartDigest(mode digest.Mode, window digest.Window, batchSize int) string {
	atomic.AddInt32(&c.calls, 1)
	c.mode = mode
	return "exec-1"
}

func TestSchedulerDisabledNeverTicks(t *testing.T) {
	trigger := &countingTrigger{}
	s := New(config.SchedulerConfig{Enabled: false, CronSpec: "* * * * *"}, trigger)
	require.NoError(t, s.Start())
	assert.Empty(t, s.NextRun())
	assert.Zero(t, atomic.LoadInt32(&trigger.calls))
}

func TestSchedulerRejectsBadSpec(t *testing.T) {
	s := New(config.SchedulerConfig{Enabled: true, CronSpec: "not a cron spec"}, &countingTrigger{})
	assert.Error(t, s.Start())
}

func TestSchedulerFiresEverySecond(t *testing.T) {
	trigger := &countingTrigger{}
	s := New(config.SchedulerConfig{Enabled: true, CronSpec: "@every 1s"}, trigger)
	require.NoError(t, s.Start())
	defer s.Stop()

	deadline := time.After(3 * time.Second)
	for atomic.LoadInt32(&trigger.calls) == 0 {
		select {
		case <-deadline:
			t.Fatal("cron never fired")
		case <-time.After(50 * time.Millisecond):
		}
	}
	assert.Equal(t, digest.ModeWeekly, trigger.mode)
	assert.NotEmpty(t, s.NextRun())
}
