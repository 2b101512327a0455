package manager

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ndnstream/backend/daemon/transport"
)

// PlaybackTrace is one played (or never downloaded) segment.
type PlaybackTrace struct {
	Stream             string
	Segment            int
	Representation     string
	ExperiencedBitrate float64
	Stall              time.Duration
	BufferLevel        float64
	At                 time.Time
}

// DownloadTrace is one finished object fetch.
type DownloadTrace struct {
	Name          string
	Status        string
	Size          int64
	Chunks        int
	Bitrate       float64
	Elapsed       time.Duration
	Sent          uint64
	Timeouts      uint64
	Retransmitted uint64
	At            time.Time
}

// StreamSummary aggregates the playback trace of one stream.
type StreamSummary struct {
	Segments     int
	Played       int
	Stalls       int
	TotalStall   time.Duration
	MeanBitrate  float64
	SwitchCount  int
	StartupDelay time.Duration
}

// TraceStore persists sessions, transport statistics and playback traces
// in SQLite.
type TraceStore struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// NewTraceStore opens (or creates) the trace database at dbPath
func NewTraceStore(dbPath string) (*TraceStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// every connection to :memory: is its own database
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
	}
	db.SetConnMaxLifetime(time.Hour)

	store := &TraceStore{db: db, path: dbPath}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (ts *TraceStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		);

		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			state TEXT NOT NULL,
			size INTEGER NOT NULL,
			chunks INTEGER NOT NULL,
			received INTEGER NOT NULL,
			bitrate REAL NOT NULL,
			error TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			metadata TEXT
		);

		CREATE TABLE IF NOT EXISTS downloads (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			size INTEGER NOT NULL,
			chunks INTEGER NOT NULL,
			bitrate REAL NOT NULL,
			elapsed_us INTEGER NOT NULL,
			sent INTEGER NOT NULL,
			timeouts INTEGER NOT NULL,
			retransmitted INTEGER NOT NULL,
			at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS transport_stats (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL,
			sent INTEGER NOT NULL,
			received INTEGER NOT NULL,
			timeouts INTEGER NOT NULL,
			retransmitted INTEGER NOT NULL,
			chunks INTEGER NOT NULL,
			chunks_received INTEGER NOT NULL,
			rtt_us INTEGER NOT NULL,
			rtt_dev_us INTEGER NOT NULL,
			at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS playback (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			stream TEXT NOT NULL,
			segment INTEGER NOT NULL,
			representation TEXT NOT NULL,
			experienced_bitrate REAL NOT NULL,
			stall_us INTEGER NOT NULL,
			buffer_level REAL NOT NULL,
			at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
		CREATE INDEX IF NOT EXISTS idx_downloads_name ON downloads(name);
		CREATE INDEX IF NOT EXISTS idx_playback_stream ON playback(stream, segment);
	`

	if _, err := ts.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	var version int
	err := ts.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		if _, err := ts.db.Exec("INSERT INTO schema_version (version) VALUES (1)"); err != nil {
			return fmt.Errorf("failed to set schema version: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("failed to query schema version: %w", err)
	}

	return nil
}

// SaveSession persists a session snapshot
func (ts *TraceStore) SaveSession(session *Session) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	s := session.Snapshot()
	metadataJSON, err := json.Marshal(s.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	query := `
		INSERT OR REPLACE INTO sessions
		(session_id, name, state, size, chunks, received, bitrate, error,
		 created_at, updated_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = ts.db.Exec(query,
		s.ID,
		s.Name,
		s.State.String(),
		s.Size,
		s.Chunks,
		s.Received,
		s.Bitrate,
		s.ErrorMessage,
		s.StartTime.UnixNano(),
		s.UpdateTime.UnixNano(),
		string(metadataJSON),
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// LoadSession retrieves a session from the database
func (ts *TraceStore) LoadSession(sessionID string) (*Session, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	var (
		stateStr     string
		errMsg       sql.NullString
		createdAt    int64
		updatedAt    int64
		metadataJSON sql.NullString
	)
	session := &Session{ID: sessionID, Metadata: make(map[string]string)}

	query := `
		SELECT name, state, size, chunks, received, bitrate, error,
		       created_at, updated_at, metadata
		FROM sessions
		WHERE session_id = ?
	`
	err := ts.db.QueryRow(query, sessionID).Scan(
		&session.Name, &stateStr, &session.Size, &session.Chunks, &session.Received,
		&session.Bitrate, &errMsg, &createdAt, &updatedAt, &metadataJSON,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	state, ok := ParseSessionState(stateStr)
	if !ok {
		return nil, fmt.Errorf("invalid state: %s", stateStr)
	}
	session.State = state
	session.ErrorMessage = errMsg.String
	session.StartTime = time.Unix(0, createdAt)
	session.UpdateTime = time.Unix(0, updatedAt)

	if metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &session.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	return session, nil
}

// RecordDownload stores a finished fetch
func (ts *TraceStore) RecordDownload(res transport.Result, at time.Time) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	_, err := ts.db.Exec(`
		INSERT INTO downloads
		(name, status, size, chunks, bitrate, elapsed_us, sent, timeouts, retransmitted, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.Name.String(), res.Status.String(), res.Size, res.Chunks, res.Bitrate,
		res.Elapsed.Microseconds(), res.Stats.Sent, res.Stats.Timeouts, res.Stats.Retransmitted,
		at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record download: %w", err)
	}
	return nil
}

// RecordStats stores one periodic transport snapshot
func (ts *TraceStore) RecordStats(name string, st transport.Stats, at time.Time) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	_, err := ts.db.Exec(`
		INSERT INTO transport_stats
		(name, sent, received, timeouts, retransmitted, chunks, chunks_received, rtt_us, rtt_dev_us, at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		name, st.Sent, st.Received, st.Timeouts, st.Retransmitted, st.Chunks, st.ChunksReceived,
		st.EstimatedRTT.Microseconds(), st.DeviationRTT.Microseconds(), at.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record transport stats: %w", err)
	}
	return nil
}

// StatsCount returns how many transport snapshots were stored for name.
func (ts *TraceStore) StatsCount(name string) (int, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	var n int
	if err := ts.db.QueryRow("SELECT COUNT(*) FROM transport_stats WHERE name = ?", name).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count transport stats: %w", err)
	}
	return n, nil
}

// RecordPlayback stores one playback event
func (ts *TraceStore) RecordPlayback(p PlaybackTrace) error {
	ts.mu.Lock()
	defer ts.mu.Unlock()

	_, err := ts.db.Exec(`
		INSERT INTO playback
		(stream, segment, representation, experienced_bitrate, stall_us, buffer_level, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.Stream, p.Segment, p.Representation, p.ExperiencedBitrate,
		p.Stall.Microseconds(), p.BufferLevel, p.At.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to record playback: %w", err)
	}
	return nil
}

// Downloads returns the fetches of name, oldest first
func (ts *TraceStore) Downloads(name string) ([]DownloadTrace, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	rows, err := ts.db.Query(`
		SELECT name, status, size, chunks, bitrate, elapsed_us, sent, timeouts, retransmitted, at
		FROM downloads WHERE name = ? ORDER BY id`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to query downloads: %w", err)
	}
	defer rows.Close()

	var out []DownloadTrace
	for rows.Next() {
		var (
			d         DownloadTrace
			elapsedUS int64
			at        int64
		)
		if err := rows.Scan(&d.Name, &d.Status, &d.Size, &d.Chunks, &d.Bitrate, &elapsedUS,
			&d.Sent, &d.Timeouts, &d.Retransmitted, &at); err != nil {
			return nil, fmt.Errorf("failed to scan download: %w", err)
		}
		d.Elapsed = time.Duration(elapsedUS) * time.Microsecond
		d.At = time.Unix(0, at)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Playback returns the trace of stream in segment order
func (ts *TraceStore) Playback(stream string) ([]PlaybackTrace, error) {
	ts.mu.RLock()
	defer ts.mu.RUnlock()

	rows, err := ts.db.Query(`
		SELECT stream, segment, representation, experienced_bitrate, stall_us, buffer_level, at
		FROM playback WHERE stream = ? ORDER BY segment, id`, stream)
	if err != nil {
		return nil, fmt.Errorf("failed to query playback: %w", err)
	}
	defer rows.Close()

	var out []PlaybackTrace
	for rows.Next() {
		var (
			p       PlaybackTrace
			stallUS int64
			at      int64
		)
		if err := rows.Scan(&p.Stream, &p.Segment, &p.Representation, &p.ExperiencedBitrate,
			&stallUS, &p.BufferLevel, &at); err != nil {
			return nil, fmt.Errorf("failed to scan playback: %w", err)
		}
		p.Stall = time.Duration(stallUS) * time.Microsecond
		p.At = time.Unix(0, at)
		out = append(out, p)
	}
	return out, rows.Err()
}

// Summarize aggregates the playback trace of stream. Segments that were
// never downloaded count towards Segments but not Played. The first stall
// is the start-up delay.
func (ts *TraceStore) Summarize(stream string) (StreamSummary, error) {
	trace, err := ts.Playback(stream)
	if err != nil {
		return StreamSummary{}, err
	}
	var (
		sum     StreamSummary
		bitrate float64
		last    string
	)
	sum.Segments = len(trace)
	for i, p := range trace {
		if i == 0 {
			sum.StartupDelay = p.Stall
		} else if p.Stall > 0 {
			sum.Stalls++
			sum.TotalStall += p.Stall
		}
		if p.Representation == "" {
			continue
		}
		sum.Played++
		bitrate += p.ExperiencedBitrate
		if last != "" && p.Representation != last {
			sum.SwitchCount++
		}
		last = p.Representation
	}
	if sum.Played > 0 {
		sum.MeanBitrate = bitrate / float64(sum.Played)
	}
	return sum, nil
}

// Ping checks the database is reachable.
func (ts *TraceStore) Ping(ctx context.Context) error {
	return ts.db.PingContext(ctx)
}

// Close closes the database connection
func (ts *TraceStore) Close() error {
	if ts.db != nil {
		return ts.db.Close()
	}
	return nil
}
