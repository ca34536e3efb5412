package query

import (
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/nicktill/availo/pkg/config"
	"github.com/nicktill/availo/pkg/httpx"
	"github.com/nicktill/availo/pkg/storage"
)

// Node types in the coverage graph.
const (
	NodeGateway = "gateway"
	NodeDevice  = "device"
)

// TopologyNode is a gateway or a sensor.
type TopologyNode struct {
	ID       string    `json:"id"`
	Label    string    `json:"label"`
	Type     string    `json:"type"`
	Messages int       `json:"messages"`
	LastSeen time.Time `json:"last_seen"`
}

// TopologyEdge is a gateway that heard a device.
type TopologyEdge struct {
	Source   string    `json:"source"` // gateway id
	Target   string    `json:"target"` // device id
	Messages int       `json:"messages"`
	AvgRSSI  *float64  `json:"avg_rssi,omitempty"`
	AvgSNR   *float64  `json:"avg_snr,omitempty"`
	LastSeen time.Time `json:"last_seen"`
}

// TopologyResponse is the radio coverage graph.
type TopologyResponse struct {
	Nodes          []TopologyNode `json:"nodes"`
	Edges          []TopologyEdge `json:"edges"`
	LastUpdated    string         `json:"last_updated"`
	TimeRangeHours float64        `json:"time_range_hours"`
}

// HandleTopology handles GET /v1/topology?hours=N. It builds the
// gateway-to-device coverage graph from recent history.
func (h *Handler) HandleTopology(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if param := r.URL.Query().Get("hours"); param != "" {
		hours, err := strconv.ParseFloat(param, 64)
		if err != nil || hours <= 0 {
			httpx.RespondErrorString(w, http.StatusBadRequest, "hours must be a positive number")
			return
		}
		window = time.Duration(hours * float64(time.Hour))
	}
	if window > config.HistoryMaxWindow {
		window = config.HistoryMaxWindow
	}

	end := h.now()
	recs, err := h.store.QueryHistory(r.Context(), storage.HistoryQuery{
		Start: end.Add(-window),
		End:   end,
		Limit: config.HistoryMaxLimit,
	})
	if err != nil {
		h.internalError(w, r, "query topology", err)
		return
	}

	topo := buildTopology(recs)
	topo.LastUpdated = end.UTC().Format(time.RFC3339)
	topo.TimeRangeHours = window.Hours()
	httpx.RespondJSON(w, http.StatusOK, topo)
}

type edgeAcc struct {
	edge    TopologyEdge
	rssiSum float64
	rssiN   int
	snrSum  float64
	snrN    int
}

func buildTopology(recs []storage.HistoryRecord) TopologyResponse {
	nodes := make(map[string]*TopologyNode)
	edges := make(map[string]*edgeAcc)

	touch := func(id, label, typ string, at time.Time) {
		n, ok := nodes[typ+"/"+id]
		if !ok {
			n = &TopologyNode{ID: id, Label: label, Type: typ}
			nodes[typ+"/"+id] = n
		}
		n.Messages++
		if at.After(n.LastSeen) {
			n.LastSeen = at
		}
	}

	for _, rec := range recs {
		label := rec.VenueName
		if label == "" {
			label = rec.DeviceID
		}
		touch(rec.DeviceID, label, NodeDevice, rec.Timestamp)

		if rec.GatewayID == nil || *rec.GatewayID == "" {
			continue
		}
		gw := *rec.GatewayID
		touch(gw, gw, NodeGateway, rec.Timestamp)

		key := gw + "->" + rec.DeviceID
		acc, ok := edges[key]
		if !ok {
			acc = &edgeAcc{edge: TopologyEdge{Source: gw, Target: rec.DeviceID}}
			edges[key] = acc
		}
		acc.edge.Messages++
		if rec.Timestamp.After(acc.edge.LastSeen) {
			acc.edge.LastSeen = rec.Timestamp
		}
		if rec.SignalStrength != nil {
			acc.rssiSum += *rec.SignalStrength
			acc.rssiN++
		}
		if rec.SNR != nil {
			acc.snrSum += *rec.SNR
			acc.snrN++
		}
	}

	resp := TopologyResponse{
		Nodes: make([]TopologyNode, 0, len(nodes)),
		Edges: make([]TopologyEdge, 0, len(edges)),
	}
	for _, n := range nodes {
		resp.Nodes = append(resp.Nodes, *n)
	}
	for _, acc := range edges {
		e := acc.edge
		if acc.rssiN > 0 {
			v := acc.rssiSum / float64(acc.rssiN)
			e.AvgRSSI = &v
		}
		if acc.snrN > 0 {
			v := acc.snrSum / float64(acc.snrN)
			e.AvgSNR = &v
		}
		resp.Edges = append(resp.Edges, e)
	}

	sort.Slice(resp.Nodes, func(i, j int) bool {
		if resp.Nodes[i].Type != resp.Nodes[j].Type {
			return resp.Nodes[i].Type > resp.Nodes[j].Type
		}
		return resp.Nodes[i].ID < resp.Nodes[j].ID
	})
	sort.Slice(resp.Edges, func(i, j int) bool {
		if resp.Edges[i].Source != resp.Edges[j].Source {
			return resp.Edges[i].Source < resp.Edges[j].Source
		}
		return resp.Edges[i].Target < resp.Edges[j].Target
	})
	return resp
}
