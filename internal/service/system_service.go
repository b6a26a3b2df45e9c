package service

import (
	"context"
	"runtime"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	gnet "github.com/shirou/gopsutil/v4/net"
	"go.uber.org/zap"

	"meridian-panel/internal/cache"
	"meridian-panel/internal/metrics"
	"meridian-panel/internal/model"
)

type SystemStats struct {
	Version       string           `json:"version"`
	CPUPercent    float64          `json:"cpu_percent"`
	MemPercent    float64          `json:"mem_percent"`
	MemTotal      uint64           `json:"mem_total"`
	MemUsed       uint64           `json:"mem_used"`
	NetSentBytes  uint64           `json:"net_sent_bytes"`
	NetRecvBytes  uint64           `json:"net_recv_bytes"`
	Goroutines    int              `json:"goroutines"`
	TotalUsers    int64            `json:"total_users"`
	UsersByStatus map[string]int64 `json:"users_by_status"`
	OnlineUsers   int64            `json:"online_users"`
	TotalAdmins   int64            `json:"total_admins"`
	TotalNodes    int64            `json:"total_nodes"`
	NodesOnline   int64            `json:"nodes_online"`
}

type hostProbe interface {
	CPUPercent() (float64, error)
	Memory() (total, used uint64, percent float64, err error)
	NetTotals() (sent, recv uint64, err error)
}

type gopsutilProbe struct{}

func (gopsutilProbe) CPUPercent() (float64, error) {
	values, err := cpu.Percent(200*time.Millisecond, false)
	if err != nil || len(values) == 0 {
		return 0, err
	}
	return values[0], nil
}

func (gopsutilProbe) Memory() (uint64, uint64, float64, error) {
	stat, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, 0, err
	}
	return stat.Total, stat.Used, stat.UsedPercent, nil
}

func (gopsutilProbe) NetTotals() (uint64, uint64, error) {
	stats, err := gnet.IOCounters(false)
	if err != nil || len(stats) == 0 {
		return 0, 0, err
	}
	return stats[0].BytesSent, stats[0].BytesRecv, nil
}

// SystemService serves the panel-wide stats endpoint and keeps the
// Prometheus gauges fresh. Host probes go through an interface so tests
// never touch gopsutil.
type SystemService struct {
	pool    *pgxpool.Pool
	online  *cache.OnlineTracker
	probe   hostProbe
	version string
	logger  *zap.Logger
}

func NewSystemService(pool *pgxpool.Pool, online *cache.OnlineTracker, version string, logger *zap.Logger) *SystemService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SystemService{
		pool:    pool,
		online:  online,
		probe:   gopsutilProbe{},
		version: version,
		logger:  logger,
	}
}

// Stats assembles host metrics and entity counts. Count queries read
// running counters and indexes, never the usage ledger.
func (s *SystemService) Stats(ctx context.Context) (*SystemStats, error) {
	stats := &SystemStats{
		Version:       s.version,
		Goroutines:    runtime.NumGoroutine(),
		UsersByStatus: make(map[string]int64, 6),
	}

	if v, err := s.probe.CPUPercent(); err == nil {
		stats.CPUPercent = v
	}
	if total, used, percent, err := s.probe.Memory(); err == nil {
		stats.MemTotal, stats.MemUsed, stats.MemPercent = total, used, percent
	}
	if sent, recv, err := s.probe.NetTotals(); err == nil {
		stats.NetSentBytes, stats.NetRecvBytes = sent, recv
	}

	rows, err := s.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM users
		WHERE deleted_at IS NULL
		GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats.UsersByStatus[status] = count
		stats.TotalUsers += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM admins`).Scan(&stats.TotalAdmins); err != nil {
		return nil, err
	}
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'connected') FROM nodes`,
	).Scan(&stats.TotalNodes, &stats.NodesOnline); err != nil {
		return nil, err
	}

	if count, err := s.online.CountOnline(ctx); err == nil {
		stats.OnlineUsers = count
	}

	return stats, nil
}

// RefreshGauges pushes the current counts into the Prometheus gauges; the
// scheduler calls it on a fixed cadence.
func (s *SystemService) RefreshGauges(ctx context.Context) {
	stats, err := s.Stats(ctx)
	if err != nil {
		s.logger.Warn("refresh gauges failed", zap.Error(err))
		return
	}

	for _, status := range []model.UserStatus{
		model.UserStatusActive, model.UserStatusOnHold, model.UserStatusLimited,
		model.UserStatusExpired, model.UserStatusDisabled,
	} {
		metrics.SetUsersByStatus(string(status), stats.UsersByStatus[string(status)])
	}
	metrics.SetNodesConnected(stats.NodesOnline)
	metrics.SetOnlineUsers(stats.OnlineUsers)
}
