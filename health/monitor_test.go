package health

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitor_UpdateAndGet(t *testing.T) {
	m := NewMonitor()
	assert.Equal(t, 0, m.Count())

	m.Update("n.a.0", Status{Status: StateHealthy, Healthy: true})
	got, ok := m.Get("n.a.0")
	require.True(t, ok)
	assert.Equal(t, "n.a.0", got.Component, "name is stamped on the status")
	assert.False(t, got.Timestamp.IsZero())

	m.UpdateDegraded("n.a.0", "slow")
	got, _ = m.Get("n.a.0")
	assert.True(t, got.IsDegraded())

	m.Remove("n.a.0")
	_, ok = m.Get("n.a.0")
	assert.False(t, ok)
}

func TestMonitor_KeepsTimestamp(t *testing.T) {
	m := NewMonitor()
	at := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m.Update("x", Status{Status: StateHealthy, Timestamp: at})
	got, _ := m.Get("x")
	assert.Equal(t, at, got.Timestamp)
}

func TestMonitor_AggregateHealth(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("n.a.0", "running")
	m.UpdateHealthy("n.b.0", "running")

	status := m.AggregateHealth("n")
	assert.True(t, status.IsHealthy())
	assert.Len(t, status.SubStatuses, 2)

	status = m.AggregateHealth("n", NewUnhealthy("n.auditor.0", "stopped"))
	assert.True(t, status.IsUnhealthy())
	assert.Len(t, status.SubStatuses, 3)

	m.UpdateUnhealthy("n.b.0", "stopped")
	p, ok := m.AggregateHealth("n").FirstProblem()
	require.True(t, ok)
	assert.Equal(t, "n.b.0", p.Component)
}

func TestMonitor_Concurrent(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			name := fmt.Sprintf("n.a.%d", i)
			for j := 0; j < 50; j++ {
				m.UpdateHealthy(name, "running")
				_ = m.AggregateHealth("n")
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 10, m.Count())
}
