// Package cmpstore persists group comparison jobs, their results and saved
// gating sessions using SQLite.
package cmpstore

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/sugawarayuuta/sonnet"
	_ "modernc.org/sqlite"
)

// JobStatus is the lifecycle state of a comparison job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further transitions happen from s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ErrNotFound is returned for unknown sessions.
var ErrNotFound = errors.New("not found")

// JobParams selects the samples, gates and measures of a comparison.
type JobParams struct {
	View     string   `json:"view"`
	Group1   []string `json:"group1"`
	Group2   []string `json:"group2"`
	Gates    []string `json:"gates,omitempty"`
	Channels []string `json:"channels,omitempty"`
	Tests    []string `json:"tests,omitempty"`
}

// JobProgress reports how far a running job is.
type JobProgress struct {
	Phase string `json:"phase"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Job is one comparison between two groups of samples.
type Job struct {
	ID         string      `json:"job_id"`
	Name       string      `json:"name,omitempty"`
	Status     JobStatus   `json:"status"`
	Params     JobParams   `json:"params"`
	Progress   JobProgress `json:"progress"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	N1         int         `json:"n1"`
	N2         int         `json:"n2"`
	Error      string      `json:"error,omitempty"`
}

// Result is the comparison of one measure of one gate.
type Result struct {
	Gate       string  `json:"gate"`
	Measure    string  `json:"measure"`
	Mean1      float64 `json:"mean1"`
	Mean2      float64 `json:"mean2"`
	Log2FC     float64 `json:"log2fc"`
	PTtest     float64 `json:"p_ttest"`
	FDRTtest   float64 `json:"fdr_ttest"`
	PRanksum   float64 `json:"p_ranksum"`
	FDRRanksum float64 `json:"fdr_ranksum"`
}

// Session is a saved gating layout for one view.
type Session struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	View      string    `json:"view"`
	CreatedAt time.Time `json:"created_at"`
	// Payload is an opaque JSON document; it is stored zstd-compressed.
	Payload []byte `json:"payload,omitempty"`
}

// Store provides persistent storage for comparison jobs using SQLite.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	enc *zstd.Encoder
	dec *zstd.Decoder
}

// NewStore opens (or creates) the database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory for sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	s := &Store{db: db, enc: enc, dec: dec}
	if err := s.migrate(); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.enc.Close()
	s.dec.Close()
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS cmp_jobs (
		job_id TEXT PRIMARY KEY,
		name TEXT DEFAULT '',
		view TEXT NOT NULL,
		status TEXT NOT NULL,
		params_json TEXT NOT NULL,
		phase TEXT DEFAULT '',
		done INTEGER DEFAULT 0,
		total INTEGER DEFAULT 0,
		n1 INTEGER DEFAULT 0,
		n2 INTEGER DEFAULT 0,
		error TEXT DEFAULT '',
		created_at TEXT NOT NULL,
		started_at TEXT,
		finished_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_cmp_jobs_view ON cmp_jobs(view);
	CREATE INDEX IF NOT EXISTS idx_cmp_jobs_status ON cmp_jobs(status);
	CREATE INDEX IF NOT EXISTS idx_cmp_jobs_finished ON cmp_jobs(finished_at);

	CREATE TABLE IF NOT EXISTS cmp_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job_id TEXT NOT NULL,
		gate TEXT NOT NULL,
		measure TEXT NOT NULL,
		mean1 REAL NOT NULL,
		mean2 REAL NOT NULL,
		log2fc REAL NOT NULL,
		p_ttest REAL NOT NULL,
		fdr_ttest REAL NOT NULL,
		p_ranksum REAL NOT NULL,
		fdr_ranksum REAL NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cmp_results_job ON cmp_results(job_id);
	CREATE INDEX IF NOT EXISTS idx_cmp_results_job_fdr ON cmp_results(job_id, fdr_ranksum);

	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		view TEXT NOT NULL,
		payload BLOB NOT NULL,
		created_at TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

const jobColumns = `job_id, name, status, params_json, phase, done, total, n1, n2, error, created_at, started_at, finished_at`

// CreateJob inserts job as given, normally with status queued.
func (s *Store) CreateJob(job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	paramsJSON, err := sonnet.Marshal(job.Params)
	if err != nil {
		return fmt.Errorf("failed to marshal params: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO cmp_jobs (job_id, name, view, status, params_json, phase, done, total, n1, n2, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID, job.Name, job.Params.View, string(job.Status), string(paramsJSON),
		job.Progress.Phase, job.Progress.Done, job.Progress.Total,
		job.N1, job.N2, job.Error,
		job.CreatedAt.Format(time.RFC3339),
	)
	return err
}

// GetJob retrieves a job by ID, or nil when it does not exist.
func (s *Store) GetJob(jobID string) (*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM cmp_jobs WHERE job_id = ?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	jobs, err := s.scanJobs(rows)
	if err != nil || len(jobs) == 0 {
		return nil, err
	}
	return jobs[0], nil
}

// UpdateJobStatus sets the status and error; terminal states stamp finished_at.
func (s *Store) UpdateJobStatus(jobID string, status JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var finishedAt *string
	if status.Terminal() {
		t := time.Now().Format(time.RFC3339)
		finishedAt = &t
	}
	_, err := s.db.Exec(`
		UPDATE cmp_jobs SET status = ?, error = ?, finished_at = COALESCE(?, finished_at)
		WHERE job_id = ?
	`, string(status), errMsg, finishedAt, jobID)
	return err
}

// UpdateJobStarted marks a job as running.
func (s *Store) UpdateJobStarted(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE cmp_jobs SET status = ?, started_at = ? WHERE job_id = ?`,
		string(JobStatusRunning), time.Now().Format(time.RFC3339), jobID)
	return err
}

// UpdateJobProgress updates the progress fields.
func (s *Store) UpdateJobProgress(jobID string, phase string, done, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE cmp_jobs SET phase = ?, done = ?, total = ? WHERE job_id = ?`,
		phase, done, total, jobID)
	return err
}

// UpdateJobCounts records the number of samples in each group.
func (s *Store) UpdateJobCounts(jobID string, n1, n2 int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE cmp_jobs SET n1 = ?, n2 = ? WHERE job_id = ?`, n1, n2, jobID)
	return err
}

// InsertResults inserts results in one transaction.
func (s *Store) InsertResults(jobID string, results []*Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO cmp_results (job_id, gate, measure, mean1, mean2, log2fc, p_ttest, fdr_ttest, p_ranksum, fdr_ranksum)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range results {
		if _, err := stmt.Exec(jobID, r.Gate, r.Measure, r.Mean1, r.Mean2, r.Log2FC,
			r.PTtest, r.FDRTtest, r.PRanksum, r.FDRRanksum); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// QueryResults returns a page of results and the total result count.
func (s *Store) QueryResults(jobID string, orderBy string, offset, limit int) ([]*Result, int, error) {
	orderCol := "fdr_ranksum ASC, ABS(log2fc) DESC"
	switch orderBy {
	case "fdr_ttest":
		orderCol = "fdr_ttest ASC, ABS(log2fc) DESC"
	case "p_ranksum":
		orderCol = "p_ranksum ASC, ABS(log2fc) DESC"
	case "p_ttest":
		orderCol = "p_ttest ASC, ABS(log2fc) DESC"
	case "abs_log2fc":
		orderCol = "ABS(log2fc) DESC, fdr_ranksum ASC"
	case "gate":
		orderCol = "gate ASC, measure ASC"
	}

	var total int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM cmp_results WHERE job_id = ?", jobID).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT gate, measure, mean1, mean2, log2fc, p_ttest, fdr_ttest, p_ranksum, fdr_ranksum
		FROM cmp_results
		WHERE job_id = ?
		ORDER BY %s
		LIMIT ? OFFSET ?
	`, orderCol)
	rows, err := s.db.Query(query, jobID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var results []*Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.Gate, &r.Measure, &r.Mean1, &r.Mean2, &r.Log2FC,
			&r.PTtest, &r.FDRTtest, &r.PRanksum, &r.FDRRanksum); err != nil {
			return nil, 0, err
		}
		results = append(results, &r)
	}
	return results, total, rows.Err()
}

// ListJobs returns all jobs of a view, newest first. An empty view lists all.
func (s *Store) ListJobs(view string) ([]*Job, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if view == "" {
		rows, err = s.db.Query(`SELECT ` + jobColumns + ` FROM cmp_jobs ORDER BY created_at DESC`)
	} else {
		rows, err = s.db.Query(`SELECT `+jobColumns+` FROM cmp_jobs WHERE view = ? ORDER BY created_at DESC`, view)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanJobs(rows)
}

// ListQueuedJobs returns all queued jobs, oldest first, for restart recovery.
func (s *Store) ListQueuedJobs() ([]*Job, error) {
	rows, err := s.db.Query(`SELECT `+jobColumns+` FROM cmp_jobs WHERE status = ? ORDER BY created_at ASC`,
		string(JobStatusQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return s.scanJobs(rows)
}

// MarkRunningAsFailed fails every job left running by a previous process.
func (s *Store) MarkRunningAsFailed(errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`UPDATE cmp_jobs SET status = ?, error = ?, finished_at = ? WHERE status = ?`,
		string(JobStatusFailed), errMsg, time.Now().Format(time.RFC3339), string(JobStatusRunning))
	return err
}

// DeleteExpiredJobs deletes finished jobs older than retentionDays.
func (s *Store) DeleteExpiredJobs(retentionDays int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().AddDate(0, 0, -retentionDays).Format(time.RFC3339)
	if _, err := s.db.Exec(`
		DELETE FROM cmp_results WHERE job_id IN (
			SELECT job_id FROM cmp_jobs WHERE finished_at IS NOT NULL AND finished_at < ?
		)
	`, cutoff); err != nil {
		return 0, err
	}
	result, err := s.db.Exec(`DELETE FROM cmp_jobs WHERE finished_at IS NOT NULL AND finished_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeleteJob deletes a job and its results.
func (s *Store) DeleteJob(jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec("DELETE FROM cmp_results WHERE job_id = ?", jobID); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM cmp_jobs WHERE job_id = ?", jobID)
	return err
}

// GateReferences maps each non-failed job of view to the mask keys it
// compares. Jobs without an explicit gate list reference every key and are
// omitted.
func (s *Store) GateReferences(view string) (map[string][]string, error) {
	jobs, err := s.ListJobs(view)
	if err != nil {
		return nil, err
	}
	refs := make(map[string][]string)
	for _, j := range jobs {
		if j.Status == JobStatusFailed || j.Status == JobStatusCancelled || len(j.Params.Gates) == 0 {
			continue
		}
		refs[j.ID] = append([]string(nil), j.Params.Gates...)
	}
	return refs, nil
}

func (s *Store) scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		var paramsJSON string
		var createdAtStr string
		var startedAtStr, finishedAtStr sql.NullString

		err := rows.Scan(
			&job.ID,
			&job.Name,
			&job.Status,
			&paramsJSON,
			&job.Progress.Phase,
			&job.Progress.Done,
			&job.Progress.Total,
			&job.N1,
			&job.N2,
			&job.Error,
			&createdAtStr,
			&startedAtStr,
			&finishedAtStr,
		)
		if err != nil {
			return nil, err
		}
		if err := sonnet.Unmarshal([]byte(paramsJSON), &job.Params); err != nil {
			return nil, fmt.Errorf("failed to unmarshal params: %w", err)
		}

		job.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		if startedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, startedAtStr.String)
			job.StartedAt = &t
		}
		if finishedAtStr.Valid {
			t, _ := time.Parse(time.RFC3339, finishedAtStr.String)
			job.FinishedAt = &t
		}
		jobs = append(jobs, &job)
	}
	return jobs, rows.Err()
}

// SaveSession inserts or replaces a session.
func (s *Store) SaveSession(sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	compressed := s.enc.EncodeAll(sess.Payload, nil)
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO sessions (id, name, view, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, sess.ID, sess.Name, sess.View, compressed, sess.CreatedAt.Format(time.RFC3339))
	return err
}

// GetSession loads a session with its payload.
func (s *Store) GetSession(id string) (*Session, error) {
	var sess Session
	var compressed []byte
	var createdAtStr string
	err := s.db.QueryRow(`SELECT id, name, view, payload, created_at FROM sessions WHERE id = ?`, id).
		Scan(&sess.ID, &sess.Name, &sess.View, &compressed, &createdAtStr)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	sess.Payload, err = s.dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress failed: %w", err)
	}
	sess.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
	return &sess, nil
}

// ListSessions returns sessions without payloads, by name.
func (s *Store) ListSessions() ([]*Session, error) {
	rows, err := s.db.Query(`SELECT id, name, view, created_at FROM sessions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		var sess Session
		var createdAtStr string
		if err := rows.Scan(&sess.ID, &sess.Name, &sess.View, &createdAtStr); err != nil {
			return nil, err
		}
		sess.CreatedAt, _ = time.Parse(time.RFC3339, createdAtStr)
		out = append(out, &sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, rows.Err()
}

// DeleteSession removes a session.
func (s *Store) DeleteSession(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}
