package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const historyFile = "history.db"

// MaxHistoryHours bounds StatsSince.
const MaxHistoryHours = 720

var (
	ErrInvalidRange  = errors.New("hours must be between 1 and 720")
	ErrAlertNotFound = errors.New("alert not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS server_stats (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	cpu_usage REAL,
	memory_usage REAL,
	disk_usage REAL,
	network_in INTEGER,
	network_out INTEGER,
	active_connections INTEGER,
	load_average TEXT,
	uptime INTEGER
);
CREATE INDEX IF NOT EXISTS idx_server_stats_ts ON server_stats(ts);
CREATE TABLE IF NOT EXISTS connection_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	session_id TEXT,
	server_id TEXT,
	mode TEXT,
	original_ip TEXT,
	virtual_ip TEXT,
	action TEXT NOT NULL,
	bytes_received INTEGER DEFAULT 0,
	bytes_sent INTEGER DEFAULT 0,
	duration REAL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_connection_logs_ts ON connection_logs(ts);
CREATE TABLE IF NOT EXISTS alerts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	alert_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	message TEXT,
	resolved INTEGER DEFAULT 0,
	resolved_at INTEGER
);
CREATE TABLE IF NOT EXISTS system_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	description TEXT,
	details TEXT
);
`

type StatsRecord struct {
	Timestamp         time.Time `json:"timestamp"`
	CPUUsage          float64   `json:"cpu_usage"`
	MemoryUsage       float64   `json:"memory_usage"`
	DiskUsage         float64   `json:"disk_usage"`
	NetworkIn         uint64    `json:"network_in"`
	NetworkOut        uint64    `json:"network_out"`
	ActiveConnections int       `json:"active_connections"`
	LoadAverage       string    `json:"load_average"`
	Uptime            uint64    `json:"uptime"`
}

// Connection log actions.
const (
	ActionConnect       = "connect"
	ActionDisconnect    = "disconnect"
	ActionConnectFailed = "connect_failed"
	ActionLost          = "lost"
)

type ConnectionLog struct {
	ID            int64     `json:"id"`
	Timestamp     time.Time `json:"timestamp"`
	SessionID     string    `json:"session_id"`
	ServerID      string    `json:"server_id"`
	Mode          string    `json:"mode"`
	OriginalIP    string    `json:"original_ip"`
	VirtualIP     string    `json:"virtual_ip"`
	Action        string    `json:"action"`
	BytesReceived uint64    `json:"bytes_received"`
	BytesSent     uint64    `json:"bytes_sent"`
	Duration      float64   `json:"duration"`
}

type Alert struct {
	ID         int64      `json:"id"`
	Timestamp  time.Time  `json:"timestamp"`
	Type       string     `json:"type"`
	Severity   string     `json:"severity"`
	Message    string     `json:"message"`
	Resolved   bool       `json:"resolved"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
}

type SystemEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Type        string    `json:"event_type"`
	Description string    `json:"description"`
	Details     string    `json:"details,omitempty"`
}

// History: sqlite-журнал статистики, подключений и алертов.
type History struct {
	db *sql.DB
}

// OpenHistory opens (and creates) history.db in dataDir.
func OpenHistory(ctx context.Context, dataDir string) (*History, error) {
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, err
	}
	return openHistoryDSN(ctx, filepath.Join(dataDir, historyFile)+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
}

func openHistoryDSN(ctx context.Context, dsn string) (*History, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	// sqlite пишет из одного соединения
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &History{db: db}, nil
}

func (h *History) Close() error {
	return h.db.Close()
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func (h *History) SaveStats(ctx context.Context, r StatsRecord) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	_, err := h.db.ExecContext(ctx, `INSERT INTO server_stats
		(ts, cpu_usage, memory_usage, disk_usage, network_in, network_out, active_connections, load_average, uptime)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		millis(r.Timestamp), r.CPUUsage, r.MemoryUsage, r.DiskUsage,
		int64(r.NetworkIn), int64(r.NetworkOut), r.ActiveConnections, r.LoadAverage, int64(r.Uptime))
	if err != nil {
		return fmt.Errorf("save stats: %w", err)
	}
	return nil
}

// StatsSince returns samples from the last hours, oldest first.
func (h *History) StatsSince(ctx context.Context, hours int) ([]StatsRecord, error) {
	if hours < 1 || hours > MaxHistoryHours {
		return nil, ErrInvalidRange
	}
	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	rows, err := h.db.QueryContext(ctx, `SELECT ts, cpu_usage, memory_usage, disk_usage, network_in, network_out,
		active_connections, load_average, uptime FROM server_stats WHERE ts >= ? ORDER BY ts ASC`, millis(since))
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	out := []StatsRecord{}
	for rows.Next() {
		var (
			r                 StatsRecord
			ts, in, outB, upt int64
			load              sql.NullString
		)
		if err := rows.Scan(&ts, &r.CPUUsage, &r.MemoryUsage, &r.DiskUsage, &in, &outB,
			&r.ActiveConnections, &load, &upt); err != nil {
			return nil, err
		}
		r.Timestamp = fromMillis(ts)
		r.NetworkIn, r.NetworkOut, r.Uptime = uint64(in), uint64(outB), uint64(upt)
		r.LoadAverage = load.String
		out = append(out, r)
	}
	return out, rows.Err()
}

func (h *History) LogConnection(ctx context.Context, l ConnectionLog) error {
	if l.Timestamp.IsZero() {
		l.Timestamp = time.Now()
	}
	_, err := h.db.ExecContext(ctx, `INSERT INTO connection_logs
		(ts, session_id, server_id, mode, original_ip, virtual_ip, action, bytes_received, bytes_sent, duration)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		millis(l.Timestamp), l.SessionID, l.ServerID, l.Mode, l.OriginalIP, l.VirtualIP, l.Action,
		int64(l.BytesReceived), int64(l.BytesSent), l.Duration)
	if err != nil {
		return fmt.Errorf("log connection: %w", err)
	}
	return nil
}

// RecentConnections returns the newest rows first.
func (h *History) RecentConnections(ctx context.Context, limit int) ([]ConnectionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := h.db.QueryContext(ctx, `SELECT id, ts, session_id, server_id, mode, original_ip, virtual_ip,
		action, bytes_received, bytes_sent, duration FROM connection_logs ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query connections: %w", err)
	}
	defer rows.Close()

	out := []ConnectionLog{}
	for rows.Next() {
		var (
			l                                 ConnectionLog
			ts, recv, sent                    int64
			session, server, mode, orig, virt sql.NullString
		)
		if err := rows.Scan(&l.ID, &ts, &session, &server, &mode, &orig, &virt,
			&l.Action, &recv, &sent, &l.Duration); err != nil {
			return nil, err
		}
		l.Timestamp = fromMillis(ts)
		l.SessionID, l.ServerID, l.Mode = session.String, server.String, mode.String
		l.OriginalIP, l.VirtualIP = orig.String, virt.String
		l.BytesReceived, l.BytesSent = uint64(recv), uint64(sent)
		out = append(out, l)
	}
	return out, rows.Err()
}

// SaveAlerts stores a batch in one transaction and fills in the ids.
func (h *History) SaveAlerts(ctx context.Context, alerts []Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	tx, err := h.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	for i := range alerts {
		if alerts[i].Timestamp.IsZero() {
			alerts[i].Timestamp = time.Now()
		}
		res, err := tx.ExecContext(ctx, `INSERT INTO alerts (ts, alert_type, severity, message) VALUES (?, ?, ?, ?)`,
			millis(alerts[i].Timestamp), alerts[i].Type, alerts[i].Severity, alerts[i].Message)
		if err != nil {
			return fmt.Errorf("save alert: %w", err)
		}
		if id, err := res.LastInsertId(); err == nil {
			alerts[i].ID = id
		}
	}
	return tx.Commit()
}

func (h *History) RecentAlerts(ctx context.Context, limit int) ([]Alert, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.QueryContext(ctx, `SELECT id, ts, alert_type, severity, message, resolved, resolved_at
		FROM alerts ORDER BY ts DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()

	out := []Alert{}
	for rows.Next() {
		var (
			a          Alert
			ts         int64
			msg        sql.NullString
			resolved   int
			resolvedAt sql.NullInt64
		)
		if err := rows.Scan(&a.ID, &ts, &a.Type, &a.Severity, &msg, &resolved, &resolvedAt); err != nil {
			return nil, err
		}
		a.Timestamp = fromMillis(ts)
		a.Message = msg.String
		a.Resolved = resolved != 0
		if resolvedAt.Valid {
			t := fromMillis(resolvedAt.Int64)
			a.ResolvedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (h *History) ResolveAlert(ctx context.Context, id int64) error {
	res, err := h.db.ExecContext(ctx, `UPDATE alerts SET resolved = 1, resolved_at = ? WHERE id = ?`,
		millis(time.Now()), id)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %d", ErrAlertNotFound, id)
	}
	return nil
}

func (h *History) LogEvent(ctx context.Context, ev SystemEvent) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	_, err := h.db.ExecContext(ctx, `INSERT INTO system_events (ts, event_type, description, details) VALUES (?, ?, ?, ?)`,
		millis(ev.Timestamp), ev.Type, ev.Description, ev.Details)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}

// Prune deletes rows older than the cutoff from every table and returns the
// number of rows removed.
func (h *History) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := millis(time.Now().Add(-olderThan))
	var total int64
	for _, table := range []string{"server_stats", "connection_logs", "alerts", "system_events"} {
		res, err := h.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE ts < ?", cutoff)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
