package metrics

import (
	"sort"
	"strconv"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// ExecutionCount is one executions_total series.
type ExecutionCount struct {
	Playground string  `json:"playground"`
	Scenario   string  `json:"scenario"`
	Status     string  `json:"status"`
	Count      float64 `json:"count"`
}

// Snapshot is a structured view of the playground metrics.
type Snapshot struct {
	Timestamp            time.Time        `json:"timestamp"`
	UsersTotal           float64          `json:"usersTotal"`
	UsersActive          float64          `json:"usersActive"`
	ActiveExecutions     float64          `json:"activeExecutions"`
	WebsocketConnections float64          `json:"websocketConnections"`
	Executions           []ExecutionCount `json:"executions"`
}

// Snapshot gathers the registry and returns the playground series sorted
// by playground, scenario and status.
func (a *Aggregator) Snapshot() (Snapshot, error) {
	mfs, err := a.reg.Gather()
	if err != nil {
		return Snapshot{}, err
	}
	prefix := a.cfg.Namespace + "_"
	s := Snapshot{Timestamp: time.Now().UTC(), Executions: []ExecutionCount{}}
	for _, mf := range mfs {
		switch mf.GetName() {
		case prefix + "users_total":
			s.UsersTotal = gaugeValue(mf)
		case prefix + "users_active":
			s.UsersActive = gaugeValue(mf)
		case prefix + "active_executions":
			s.ActiveExecutions = gaugeValue(mf)
		case prefix + "websocket_connections":
			s.WebsocketConnections = gaugeValue(mf)
		case prefix + "executions_total":
			for _, m := range mf.GetMetric() {
				labels := labelMap(m)
				s.Executions = append(s.Executions, ExecutionCount{
					Playground: labels["playground"],
					Scenario:   labels["scenario"],
					Status:     labels["status"],
					Count:      m.GetCounter().GetValue(),
				})
			}
		}
	}
	sort.Slice(s.Executions, func(i, j int) bool {
		a, b := s.Executions[i], s.Executions[j]
		if a.Playground != b.Playground {
			return a.Playground < b.Playground
		}
		if a.Scenario != b.Scenario {
			return a.Scenario < b.Scenario
		}
		return a.Status < b.Status
	})
	return s, nil
}

func gaugeValue(mf *dto.MetricFamily) float64 {
	if ms := mf.GetMetric(); len(ms) > 0 {
		return ms[0].GetGauge().GetValue()
	}
	return 0
}

func labelMap(m *dto.Metric) map[string]string {
	out := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		out[lp.GetName()] = lp.GetValue()
	}
	return out
}

func statusText(code int) string { return strconv.Itoa(code) }
