package threadstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/korentomas/issueforge/internal/domain"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for threads, messages and plans
type Store struct {
	db *sql.DB
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateThread inserts a new thread
func (s *Store) CreateThread(t *domain.TaskThread) error {
	_, err := s.db.Exec(`
		INSERT INTO threads (id, user_id, title, repo_url, branch, base_branch, description, risk_tier,
			engine, model, status, commit_sha, cost_usd, duration_ms, error_msg, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID,
		t.UserID,
		t.Title,
		t.RepoURL,
		t.Branch,
		t.BaseBranch,
		t.Description,
		string(t.RiskTier),
		t.Engine,
		t.Model,
		string(t.Status),
		t.CommitSHA,
		t.CostUSD,
		t.DurationMs,
		t.ErrorMsg,
		t.CreatedAt,
		t.UpdatedAt,
	)
	return err
}

const threadColumns = `id, user_id, title, repo_url, branch, base_branch, description, risk_tier,
	engine, model, status, commit_sha, cost_usd, duration_ms, error_msg, created_at, updated_at`

// GetThread retrieves a thread by ID. Returns (nil, nil) if no such thread exists.
func (s *Store) GetThread(id string) (*domain.TaskThread, error) {
	row := s.db.QueryRow(`SELECT `+threadColumns+` FROM threads WHERE id = ?`, id)

	thread, err := scanThread(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return thread, err
}

// GetThreadByBranch retrieves the thread working a given branch, if any.
// Returns (nil, nil) when no thread has claimed the branch.
func (s *Store) GetThreadByBranch(branch string) (*domain.TaskThread, error) {
	row := s.db.QueryRow(`SELECT `+threadColumns+` FROM threads WHERE branch = ? ORDER BY created_at DESC LIMIT 1`, branch)

	thread, err := scanThread(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return thread, err
}

// ListOptions specifies filters for listing threads
type ListOptions struct {
	UserID string
	Status domain.ThreadStatus
}

// ListThreads returns threads matching the given options, newest first
func (s *Store) ListThreads(opts ListOptions) ([]*domain.TaskThread, error) {
	query := `SELECT ` + threadColumns + ` FROM threads WHERE 1=1`
	var args []interface{}

	if opts.UserID != "" {
		query += " AND user_id = ?"
		args = append(args, opts.UserID)
	}
	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}

	query += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []*domain.TaskThread
	for rows.Next() {
		thread, err := scanThread(rows.Scan)
		if err != nil {
			return nil, err
		}
		threads = append(threads, thread)
	}

	return threads, rows.Err()
}

// ThreadUpdate is a partial update of a thread's execution fields.
// Nil fields are left untouched; set fields win over whatever is stored
// (last write wins, no read-modify-write cycle).
type ThreadUpdate struct {
	Status     *domain.ThreadStatus
	Engine     *string
	Model      *string
	CommitSHA  *string
	CostUSD    *string
	DurationMs *int64
	ErrorMsg   *string
}

// UpdateThread applies a partial update to a thread
func (s *Store) UpdateThread(id string, upd ThreadUpdate) error {
	query := `UPDATE threads SET updated_at = ?`
	args := []interface{}{time.Now()}

	if upd.Status != nil {
		query += ", status = ?"
		args = append(args, string(*upd.Status))
	}
	if upd.Engine != nil {
		query += ", engine = ?"
		args = append(args, *upd.Engine)
	}
	if upd.Model != nil {
		query += ", model = ?"
		args = append(args, *upd.Model)
	}
	if upd.CommitSHA != nil {
		query += ", commit_sha = ?"
		args = append(args, *upd.CommitSHA)
	}
	if upd.CostUSD != nil {
		query += ", cost_usd = ?"
		args = append(args, *upd.CostUSD)
	}
	if upd.DurationMs != nil {
		query += ", duration_ms = ?"
		args = append(args, *upd.DurationMs)
	}
	if upd.ErrorMsg != nil {
		query += ", error_msg = ?"
		args = append(args, *upd.ErrorMsg)
	}

	query += " WHERE id = ?"
	args = append(args, id)

	_, err := s.db.Exec(query, args...)
	return err
}

// SaveMessage appends a message to a thread's transcript
func (s *Store) SaveMessage(m *domain.TaskMessage) error {
	var metaJSON string
	if m.Metadata != nil {
		data, err := json.Marshal(m.Metadata)
		if err != nil {
			return err
		}
		metaJSON = string(data)
	}

	_, err := s.db.Exec(`
		INSERT INTO messages (id, thread_id, role, content, tool_name, tool_input, tool_output, metadata, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		m.ID,
		m.ThreadID,
		string(m.Role),
		m.Content,
		m.ToolName,
		m.ToolInput,
		m.ToolOutput,
		metaJSON,
		m.CreatedAt,
	)
	return err
}

// GetMessages returns a thread's messages in creation order
func (s *Store) GetMessages(threadID string) ([]*domain.TaskMessage, error) {
	rows, err := s.db.Query(`
		SELECT id, thread_id, role, content, tool_name, tool_input, tool_output, metadata, created_at
		FROM messages WHERE thread_id = ? ORDER BY created_at, id
	`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*domain.TaskMessage
	for rows.Next() {
		var m domain.TaskMessage
		var role string
		var metaJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.ThreadID, &role, &m.Content, &m.ToolName, &m.ToolInput, &m.ToolOutput, &metaJSON, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Role = domain.MessageRole(role)
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &m.Metadata); err != nil {
				return nil, err
			}
		}
		messages = append(messages, &m)
	}

	return messages, rows.Err()
}

// SavePlan appends a plan revision to a thread
func (s *Store) SavePlan(p *domain.TaskPlan) error {
	stepsJSON, err := json.Marshal(p.Steps)
	if err != nil {
		return err
	}

	_, err = s.db.Exec(`
		INSERT INTO plans (id, thread_id, revision, steps, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		p.ID,
		p.ThreadID,
		p.Revision,
		string(stepsJSON),
		p.CreatedBy,
		p.CreatedAt,
	)
	return err
}

// GetPlans returns a thread's plan revisions in ascending revision order
func (s *Store) GetPlans(threadID string) ([]*domain.TaskPlan, error) {
	rows, err := s.db.Query(`
		SELECT id, thread_id, revision, steps, created_by, created_at
		FROM plans WHERE thread_id = ? ORDER BY revision
	`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var plans []*domain.TaskPlan
	for rows.Next() {
		var p domain.TaskPlan
		var stepsJSON string
		if err := rows.Scan(&p.ID, &p.ThreadID, &p.Revision, &stepsJSON, &p.CreatedBy, &p.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(stepsJSON), &p.Steps); err != nil {
			return nil, err
		}
		plans = append(plans, &p)
	}

	return plans, rows.Err()
}

// NextPlanRevision returns the revision number the next plan for a thread should use
func (s *Store) NextPlanRevision(threadID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(`SELECT MAX(revision) FROM plans WHERE thread_id = ?`, threadID).Scan(&max)
	if err != nil {
		return 0, err
	}
	return int(max.Int64) + 1, nil
}

// CountByStatus returns thread counts keyed by status
func (s *Store) CountByStatus() (map[domain.ThreadStatus]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM threads GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.ThreadStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.ThreadStatus(status)] = n
	}
	return counts, rows.Err()
}

// TotalCostUSD sums the recorded cost of all terminal threads
func (s *Store) TotalCostUSD() (float64, error) {
	var total sql.NullFloat64
	err := s.db.QueryRow(`
		SELECT SUM(CAST(cost_usd AS REAL)) FROM threads
		WHERE status IN ('complete', 'failed', 'cancelled') AND cost_usd != ''
	`).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

// AvgDurationMs averages the recorded duration of completed threads
func (s *Store) AvgDurationMs() (int64, error) {
	var avg sql.NullFloat64
	err := s.db.QueryRow(`
		SELECT AVG(duration_ms) FROM threads WHERE status = 'complete' AND duration_ms > 0
	`).Scan(&avg)
	if err != nil {
		return 0, err
	}
	return int64(avg.Float64), nil
}

// StaleRunning returns non-terminal threads that have not been updated since the cutoff
func (s *Store) StaleRunning(cutoff time.Time) ([]*domain.TaskThread, error) {
	rows, err := s.db.Query(`
		SELECT `+threadColumns+` FROM threads
		WHERE status IN ('running', 'committing') AND updated_at < ?
	`, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []*domain.TaskThread
	for rows.Next() {
		thread, err := scanThread(rows.Scan)
		if err != nil {
			return nil, err
		}
		threads = append(threads, thread)
	}
	return threads, rows.Err()
}

func scanThread(scan func(dest ...interface{}) error) (*domain.TaskThread, error) {
	var t domain.TaskThread
	var riskTier, status string
	var repoURL, branch, baseBranch, description, engine, model sql.NullString
	var commitSHA, costUSD, errorMsg sql.NullString
	var durationMs sql.NullInt64

	err := scan(&t.ID, &t.UserID, &t.Title, &repoURL, &branch, &baseBranch, &description, &riskTier,
		&engine, &model, &status, &commitSHA, &costUSD, &durationMs, &errorMsg, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}

	t.RepoURL = repoURL.String
	t.Branch = branch.String
	t.BaseBranch = baseBranch.String
	t.Description = description.String
	t.RiskTier = domain.RiskTier(riskTier)
	t.Engine = engine.String
	t.Model = model.String
	t.Status = domain.ThreadStatus(status)
	t.CommitSHA = commitSHA.String
	t.CostUSD = costUSD.String
	t.DurationMs = durationMs.Int64
	t.ErrorMsg = errorMsg.String

	return &t, nil
}
