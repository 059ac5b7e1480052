package scenario

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/thewriterben/WildCAM-ESP32-sub000/timectrl"
)

var epoch = time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

func TestSchedulerRunsDueEventsOnce(t *testing.T) {
	clock := timectrl.NewTimeController(epoch, time.Second, timectrl.Accelerated)
	sched := NewScheduler(clock)

	var order []string
	sched.Schedule(epoch.Add(20*time.Second), "late", func() { order = append(order, "late") })
	sched.Schedule(epoch.Add(10*time.Second), "early", func() { order = append(order, "early") })
	sched.Schedule(epoch.Add(10*time.Second), "early-2", func() { order = append(order, "early-2") })
	require.Equal(t, 3, sched.Pending())

	require.Zero(t, sched.RunDue())

	clock.Advance(10 * time.Second)
	require.Equal(t, 2, sched.RunDue())
	require.Equal(t, []string{"early", "early-2"}, order)
	require.Zero(t, sched.RunDue(), "events never run twice")

	clock.Advance(time.Minute)
	require.Equal(t, 1, sched.RunDue())
	require.Equal(t, []string{"early", "early-2", "late"}, order)
	require.Zero(t, sched.Pending())
}

func TestSchedulerCancel(t *testing.T) {
	clock := timectrl.NewTimeController(epoch, time.Second, timectrl.Accelerated)
	sched := NewScheduler(clock)

	ran := false
	id := sched.Schedule(epoch.Add(time.Second), "silence", func() { ran = true })
	require.True(t, sched.Cancel(id))
	require.False(t, sched.Cancel(id))
	require.False(t, sched.Cancel("unknown-1"))

	clock.Advance(time.Minute)
	require.Zero(t, sched.RunDue())
	require.False(t, ran)
}

func TestSchedulerCallbackMaySchedule(t *testing.T) {
	clock := timectrl.NewTimeController(epoch, time.Second, timectrl.Accelerated)
	sched := NewScheduler(clock)

	var order []string
	sched.Schedule(epoch, "outer", func() {
		order = append(order, "outer")
		sched.Schedule(epoch, "inner", func() { order = append(order, "inner") })
		sched.Schedule(epoch.Add(time.Hour), "future", func() { order = append(order, "future") })
	})

	require.Equal(t, 2, sched.RunDue())
	require.Equal(t, []string{"outer", "inner"}, order)
	require.Equal(t, 1, sched.Pending())
}
