package portfolio

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/shopspring/decimal"

	"YieldScout/internal/domain"
	xerrors "YieldScout/internal/errors"
)

const positionColumns = `id, user_id, protocol_id, pool_id, principal, entry_at, exit_at`

// MySQLStore 使用 positions 表保存持仓，表结构由 deploy/migrations 维护。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已迁移的连接创建存储。
func NewMySQLStore(db *sql.DB) *MySQLStore {
	return &MySQLStore{db: db}
}

// Create 实现 Store。
func (s *MySQLStore) Create(ctx context.Context, position domain.Position) error {
	const stmt = `INSERT INTO positions (` + positionColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := s.db.ExecContext(ctx, stmt,
		position.ID,
		position.UserID,
		position.Ref.ProtocolID,
		position.Ref.PoolID,
		position.Principal.String(),
		position.EntryTimestamp.Unix(),
		exitValue(position.ExitTimestamp),
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return ErrPositionConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入持仓失败")
	}
	return nil
}

// Update 实现 Store，只允许修改本金与退出时间。
func (s *MySQLStore) Update(ctx context.Context, position domain.Position) error {
	const stmt = `UPDATE positions SET principal = ?, exit_at = ? WHERE id = ?`

	res, err := s.db.ExecContext(ctx, stmt,
		position.Principal.String(),
		exitValue(position.ExitTimestamp),
		position.ID,
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新持仓失败")
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return ErrPositionNotFound
	}
	return nil
}

// Get 实现 Store。
func (s *MySQLStore) Get(ctx context.Context, id string) (domain.Position, error) {
	const stmt = `SELECT ` + positionColumns + ` FROM positions WHERE id = ?`

	position, err := scanPosition(s.db.QueryRowContext(ctx, stmt, id))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return domain.Position{}, ErrPositionNotFound
		}
		return domain.Position{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询持仓失败")
	}
	return position, nil
}

// ListByUser 实现 Store。
func (s *MySQLStore) ListByUser(ctx context.Context, userID string) ([]domain.Position, error) {
	const stmt = `SELECT ` + positionColumns + ` FROM positions WHERE user_id = ? ORDER BY entry_at ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, stmt, userID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询持仓列表失败")
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		position, err := scanPosition(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析持仓记录失败")
		}
		out = append(out, position)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历持仓失败")
	}
	return out, nil
}

// Close 关闭底层连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPosition(row rowScanner) (domain.Position, error) {
	var (
		position  domain.Position
		principal string
		entryAt   int64
		exitAt    sql.NullInt64
	)
	if err := row.Scan(
		&position.ID,
		&position.UserID,
		&position.Ref.ProtocolID,
		&position.Ref.PoolID,
		&principal,
		&entryAt,
		&exitAt,
	); err != nil {
		return domain.Position{}, err
	}
	amount, err := decimal.NewFromString(principal)
	if err != nil {
		return domain.Position{}, err
	}
	position.Principal = amount
	position.EntryTimestamp = time.Unix(entryAt, 0).UTC()
	if exitAt.Valid {
		ts := time.Unix(exitAt.Int64, 0).UTC()
		position.ExitTimestamp = &ts
	}
	return position, nil
}

func exitValue(ts *time.Time) sql.NullInt64 {
	if ts == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: ts.Unix(), Valid: true}
}

var _ Store = (*MySQLStore)(nil)
