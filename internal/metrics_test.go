package internal

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetrics_Counts_Events_By_Name(t *testing.T) {
	req := require.New(t)
	metrics := NewMetrics()

	// Given a few hub outcomes
	metrics.EventHandled("join")
	metrics.EventHandled("join")
	metrics.EventHandled("typing")
	metrics.EventRejected("start-matching")
	metrics.MatchMade()

	// When a snapshot is taken
	snapshot := metrics.Snapshot()

	// Then totals and per-event counts agree
	req.Equal(uint64(3), snapshot["events_handled_total"])
	req.Equal(uint64(1), snapshot["events_rejected_total"])
	req.Equal(uint64(1), snapshot["matches_total"])
	req.Equal(map[string]uint64{"join": 2, "typing": 1}, snapshot["events_by_name"])
	req.Equal(map[string]uint64{"start-matching": 1}, snapshot["rejections_by_name"])
}
