package query

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/availo/pkg/storage"
)

func TestBuildTopology(t *testing.T) {
	recs := []storage.HistoryRecord{
		{DeviceID: "s1", VenueName: "Library", Timestamp: now, GatewayID: sp("gw-a"), SignalStrength: fp(-80), SNR: fp(10)},
		{DeviceID: "s1", VenueName: "Library", Timestamp: now.Add(-time.Minute), GatewayID: sp("gw-a"), SignalStrength: fp(-100), SNR: fp(4)},
		{DeviceID: "s1", VenueName: "Library", Timestamp: now.Add(-2 * time.Minute), GatewayID: sp("gw-b")},
		{DeviceID: "s2", Timestamp: now},
	}

	topo := buildTopology(recs)

	require.Len(t, topo.Nodes, 4)
	assert.Equal(t, TopologyNode{ID: "gw-a", Label: "gw-a", Type: NodeGateway, Messages: 2, LastSeen: now}, topo.Nodes[0])
	assert.Equal(t, NodeGateway, topo.Nodes[1].Type)
	assert.Equal(t, TopologyNode{ID: "s1", Label: "Library", Type: NodeDevice, Messages: 3, LastSeen: now}, topo.Nodes[2])
	assert.Equal(t, "s2", topo.Nodes[3].Label, "devices without a venue are labelled by id")

	require.Len(t, topo.Edges, 2)
	a := topo.Edges[0]
	assert.Equal(t, "gw-a", a.Source)
	assert.Equal(t, "s1", a.Target)
	assert.Equal(t, 2, a.Messages)
	require.NotNil(t, a.AvgRSSI)
	assert.Equal(t, -90.0, *a.AvgRSSI)
	require.NotNil(t, a.AvgSNR)
	assert.Equal(t, 7.0, *a.AvgSNR)

	b := topo.Edges[1]
	assert.Equal(t, "gw-b", b.Source)
	assert.Nil(t, b.AvgRSSI)
}

func TestHandleTopology(t *testing.T) {
	h, store := newTestHandler(t)
	seedHistory(t, store, 10*time.Minute, 3*time.Hour)

	var resp TopologyResponse
	decode(t, serve(h.HandleTopology, "/v1/topology", nil), &resp)
	assert.Equal(t, 1.0, resp.TimeRangeHours)
	require.Len(t, resp.Edges, 1)
	assert.Equal(t, 1, resp.Edges[0].Messages)

	decode(t, serve(h.HandleTopology, "/v1/topology?hours=6", nil), &resp)
	assert.Equal(t, 2, resp.Edges[0].Messages)

	assert.Equal(t, http.StatusBadRequest, serve(h.HandleTopology, "/v1/topology?hours=-1", nil).Code)
}
