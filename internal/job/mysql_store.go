package job

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"

	"YieldScout/internal/domain"
	xerrors "YieldScout/internal/errors"
)

const jobColumns = `id, query_json, user_id, status, attempts, max_retries, last_error, error_code,
        result_status, result_json, created_at, updated_at`

// MySQLStore 使用 query_jobs 表记录任务状态，表结构由 deploy/migrations 维护。
type MySQLStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewMySQLStore 基于已迁移的连接创建存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db, now: time.Now}
}

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, job *Job) error {
	if job == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "job 不能为空")
	}
	if strings.TrimSpace(job.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}

	now := s.now().Unix()
	job.CreatedAt = now
	job.UpdatedAt = now

	queryJSON, err := json.Marshal(job.Query)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码查询失败")
	}

	const stmt = `INSERT INTO query_jobs
        (id, query_json, user_id, status, attempts, max_retries, last_error, error_code, result_status, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, '', '', '', ?, ?)`

	_, err = s.db.ExecContext(ctx, stmt,
		job.ID,
		string(queryJSON),
		job.Query.UserID,
		string(job.Status),
		job.Attempts,
		job.MaxRetries,
		job.CreatedAt,
		job.UpdatedAt,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrJobConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Job, error) {
	const stmt = `SELECT ` + jobColumns + ` FROM query_jobs WHERE id = ?`

	rows, err := s.db.QueryContext(ctx, stmt, id)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
		}
		return nil, ErrJobNotFound
	}
	return scanJob(rows)
}

// Claim 将任务标记为运行中并返回最新状态。
func (s *MySQLStore) Claim(ctx context.Context, id string) (*Job, error) {
	const updateStmt = `UPDATE query_jobs SET status = ?, attempts = attempts + 1, updated_at = ?
        WHERE id = ? AND status = ? AND attempts < max_retries`

	res, err := s.db.ExecContext(ctx, updateStmt,
		string(StatusRunning),
		s.now().Unix(),
		id,
		string(StatusPending),
	)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if affected > 0 {
		return job, nil
	}
	switch job.Status {
	case StatusSucceeded:
		return job, ErrJobCompleted
	case StatusRunning:
		return job, ErrJobConflict
	default:
		return job, ErrJobExhausted
	}
}

// MarkSucceeded 保存查询结果并将任务标记为成功。
func (s *MySQLStore) MarkSucceeded(ctx context.Context, id string, result domain.Result) error {
	const stmt = `UPDATE query_jobs SET status = ?, result_status = ?, result_json = ?, last_error = '', error_code = '',
        updated_at = ? WHERE id = ?`

	payload, err := json.Marshal(result)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码查询结果失败")
	}
	res, err := s.db.ExecContext(ctx, stmt,
		string(StatusSucceeded),
		string(result.Status),
		string(payload),
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务成功失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// MarkFailed 记录失败原因；非终态失败让任务回到 pending 以便重投。
func (s *MySQLStore) MarkFailed(ctx context.Context, id string, failure Failure) error {
	const stmt = `UPDATE query_jobs SET status = ?, last_error = ?, error_code = ?,
        result_status = COALESCE(?, result_status), result_json = COALESCE(?, result_json), updated_at = ? WHERE id = ?`

	status := StatusPending
	if failure.Terminal {
		status = StatusFailed
	}
	var resultStatus, resultJSON sql.NullString
	if failure.Result != nil {
		payload, err := json.Marshal(failure.Result)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "编码查询结果失败")
		}
		resultStatus = sql.NullString{String: string(failure.Result.Status), Valid: true}
		resultJSON = sql.NullString{String: string(payload), Valid: true}
	}
	res, err := s.db.ExecContext(ctx, stmt,
		string(status),
		failure.Message,
		string(failure.Code),
		resultStatus,
		resultJSON,
		s.now().Unix(),
		id,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "标记任务失败失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrJobNotFound
	}
	return nil
}

// List 返回符合过滤条件的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Job, error) {
	opts.applyDefaults()

	query := `SELECT ` + jobColumns + ` FROM query_jobs`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	order := " ORDER BY updated_at DESC, created_at DESC, id DESC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"

	args := append(filterArgs, opts.Limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	jobs := make([]*Job, 0, opts.Limit)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return jobs, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (Stats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS pending,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS running,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS succeeded,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed,
        COALESCE(SUM(CASE WHEN result_status = ? THEN 1 ELSE 0 END), 0) AS partial,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM query_jobs`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}

	args := []any{
		string(StatusPending),
		string(StatusRunning),
		string(StatusSucceeded),
		string(StatusFailed),
		string(domain.QueryPartial),
	}
	args = append(args, filterArgs...)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	defer rows.Close()

	var stats Stats
	if rows.Next() {
		if err := rows.Scan(
			&stats.Total,
			&stats.Pending,
			&stats.Running,
			&stats.Succeeded,
			&stats.Failed,
			&stats.Partial,
			&stats.OldestUpdatedAt,
			&stats.NewestUpdatedAt,
		); err != nil {
			return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务统计失败")
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	if stats.Total == 0 {
		stats.OldestUpdatedAt = 0
		stats.NewestUpdatedAt = 0
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func scanJob(rows *sql.Rows) (*Job, error) {
	var (
		job          Job
		queryJSON    string
		userID       string
		status       string
		lastError    sql.NullString
		resultStatus string
		resultJSON   sql.NullString
	)
	if err := rows.Scan(
		&job.ID,
		&queryJSON,
		&userID,
		&status,
		&job.Attempts,
		&job.MaxRetries,
		&lastError,
		&job.ErrorCode,
		&resultStatus,
		&resultJSON,
		&job.CreatedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
	}
	job.Status = Status(status)
	job.LastError = lastError.String
	if err := json.Unmarshal([]byte(queryJSON), &job.Query); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务查询失败")
	}
	if job.Query.UserID == "" {
		job.Query.UserID = userID
	}
	if resultJSON.Valid && strings.TrimSpace(resultJSON.String) != "" {
		var result domain.Result
		if err := json.Unmarshal([]byte(resultJSON.String), &result); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析查询结果失败")
		}
		job.Result = &result
	}
	return &job, nil
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if len(opts.Statuses) > 0 {
		placeholders := make([]string, 0, len(opts.Statuses))
		for _, status := range opts.Statuses {
			placeholders = append(placeholders, "?")
			args = append(args, string(status))
		}
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	if opts.ResultStatus != "" {
		conditions = append(conditions, "result_status = ?")
		args = append(args, string(opts.ResultStatus))
	}
	if opts.UserID != "" {
		conditions = append(conditions, "user_id = ?")
		args = append(args, opts.UserID)
	}
	if opts.UpdatedGTE > 0 {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, opts.UpdatedGTE)
	}
	if opts.UpdatedLTE > 0 {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, opts.UpdatedLTE)
	}
	if opts.HasResult != nil {
		if *opts.HasResult {
			conditions = append(conditions, "(result_json IS NOT NULL AND result_json <> '')")
		} else {
			conditions = append(conditions, "(result_json IS NULL OR result_json = '')")
		}
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR user_id LIKE ? OR last_error LIKE ? OR error_code LIKE ?)")
		args = append(args, pattern, pattern, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
