package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestManualRunsDueTasksInOrder(t *testing.T) {
	start := time.Unix(1000, 0)
	m := NewManual(start)
	var order []int
	m.AfterFunc(2*time.Second, func() { order = append(order, 2) })
	m.AfterFunc(time.Second, func() {
		order = append(order, 1)
		m.AfterFunc(500*time.Millisecond, func() { order = append(order, 15) })
	})
	cancel := m.AfterFunc(1500*time.Millisecond, func() { order = append(order, -1) })
	cancel()

	m.Advance(1200 * time.Millisecond)
	require.Equal(t, []int{1}, order)
	require.Equal(t, start.Add(1200*time.Millisecond), m.Now())

	m.Advance(time.Second)
	require.Equal(t, []int{1, 15, 2}, order)
	require.Equal(t, 0, m.Pending())
}
