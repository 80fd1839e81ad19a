package policy

import (
	"testing"
	"time"

	"NetSentry/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCooldownTable_ReserveCommitRollback(t *testing.T) {
	c := NewCooldownTable(time.Minute)
	target := model.DeviceTarget("plc-3")
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	res, _, ok := c.Reserve(target, model.ActionIsolateDevice, now)
	require.True(t, ok)

	_, _, ok = c.Reserve(target, model.ActionIsolateDevice, now)
	assert.False(t, ok, "pending reservation blocks duplicates")

	_, _, ok = c.Reserve(target, model.ActionShutdownDevice, now)
	assert.True(t, ok, "other action kinds are independent")

	res.Rollback()
	res.Commit(now) // no effect after rollback
	_, found := c.Last(target, model.ActionIsolateDevice)
	assert.False(t, found)

	res, _, ok = c.Reserve(target, model.ActionIsolateDevice, now)
	require.True(t, ok)
	res.Commit(now)
	last, found := c.Last(target, model.ActionIsolateDevice)
	require.True(t, found)
	assert.Equal(t, now, last)

	_, blockedBy, ok := c.Reserve(target, model.ActionIsolateDevice, now.Add(59*time.Second))
	assert.False(t, ok)
	assert.Equal(t, now, blockedBy)
}

func TestCooldownTable_RollbackRestoresPrevious(t *testing.T) {
	c := NewCooldownTable(time.Minute)
	target := model.IPTarget([]byte{10, 0, 0, 1})
	t0 := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	res, _, _ := c.Reserve(target, model.ActionBlockIP, t0)
	res.Commit(t0)

	res, _, ok := c.Reserve(target, model.ActionBlockIP, t0.Add(2*time.Minute))
	require.True(t, ok)
	res.Rollback()

	last, found := c.Last(target, model.ActionBlockIP)
	require.True(t, found)
	assert.Equal(t, t0, last)
}

func TestCooldownTable_PruneAndRestore(t *testing.T) {
	c := NewCooldownTable(time.Minute)
	t0 := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

	n := c.Restore([]model.ActionRecord{
		{Outcome: model.OutcomeApplied, AppliedAt: t0, Request: model.ActionRequest{Target: model.DeviceTarget("a"), Kind: model.ActionIsolateDevice}},
		{Outcome: model.OutcomeApplied, AppliedAt: t0.Add(30 * time.Second), Request: model.ActionRequest{Target: model.DeviceTarget("a"), Kind: model.ActionIsolateDevice}},
		{Outcome: model.OutcomeFailed, Request: model.ActionRequest{Target: model.DeviceTarget("b"), Kind: model.ActionIsolateDevice}},
		{Outcome: model.OutcomeRejectedCooldown, Request: model.ActionRequest{Target: model.DeviceTarget("c"), Kind: model.ActionIsolateDevice}},
	})
	assert.Equal(t, 2, n)
	assert.Equal(t, 1, c.Len())

	last, _ := c.Last(model.DeviceTarget("a"), model.ActionIsolateDevice)
	assert.Equal(t, t0.Add(30*time.Second), last)

	assert.Zero(t, c.Prune(t0.Add(80*time.Second)))
	assert.Equal(t, 1, c.Prune(t0.Add(90*time.Second)))
	assert.Zero(t, c.Len())
}
