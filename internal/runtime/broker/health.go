package broker

import "time"

// WorkerHealth describes one registered worker connection.
type WorkerHealth struct {
	Connected bool          `json:"connected"`
	Uptime    time.Duration `json:"-"`
	// UptimeSeconds mirrors Uptime for JSON consumers.
	UptimeSeconds float64 `json:"uptime_seconds"`
}

// HealthReport is served by the ops endpoint.
type HealthReport struct {
	Connected bool                    `json:"connected"`
	Workers   map[string]WorkerHealth `json:"workers"`
}

// Health snapshots the admin connection and every registered worker.
func (m *Manager) Health() HealthReport {
	report := HealthReport{
		Connected: m.IsConnected(),
		Workers:   make(map[string]WorkerHealth),
	}

	now := m.now()
	m.workersMu.RLock()
	defer m.workersMu.RUnlock()
	for id, wc := range m.workers {
		uptime := now.Sub(wc.CreatedAt)
		report.Workers[id] = WorkerHealth{
			Connected:     !wc.Conn.IsClosed() && !wc.Channel.IsClosed(),
			Uptime:        uptime,
			UptimeSeconds: uptime.Seconds(),
		}
	}
	return report
}

// WorkerCount returns the number of registered worker connections.
func (m *Manager) WorkerCount() int {
	m.workersMu.RLock()
	defer m.workersMu.RUnlock()
	return len(m.workers)
}
