package infrastructure

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"storelogic/internal/service/logic/domain"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS logic_script (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	distributor_id TEXT    NOT NULL,
	trigger_point  TEXT    NOT NULL,
	description    TEXT    NOT NULL DEFAULT '',
	script_content TEXT    NOT NULL,
	sequence_order INTEGER NOT NULL,
	active         INTEGER NOT NULL DEFAULT 1,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS uk_group_order ON logic_script (distributor_id, trigger_point, sequence_order);
CREATE INDEX IF NOT EXISTS idx_distributor ON logic_script (distributor_id);
`

const sqliteColumns = `id, distributor_id, trigger_point, description, script_content, sequence_order, active, created_at, updated_at`

// SQLiteScriptRepository 是嵌入式部署使用的 database/sql 实现。
// 时间以 Unix 毫秒存储。
type SQLiteScriptRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewSQLiteScriptRepository(db *sql.DB) *SQLiteScriptRepository {
	return &SQLiteScriptRepository{db: db, now: time.Now}
}

// OpenSQLite 打开 sqlite 数据库。SQLite 只允许单个写连接，这里直接限制为 1。
func OpenSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "configure sqlite")
	}
	return db, nil
}

func (r *SQLiteScriptRepository) Migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, sqliteSchema)
	return errors.Wrap(err, "migrate logic_script")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanScript(row rowScanner) (*domain.LogicScript, error) {
	var (
		s                domain.LogicScript
		trigger          string
		active           int
		created, updated int64
	)
	if err := row.Scan(&s.ID, &s.DistributorID, &trigger, &s.Description, &s.ScriptContent,
		&s.SequenceOrder, &active, &created, &updated); err != nil {
		return nil, err
	}
	s.TriggerPoint = domain.TriggerPoint(trigger)
	s.Active = active != 0
	s.CreatedAt = time.UnixMilli(created).UTC()
	s.UpdatedAt = time.UnixMilli(updated).UTC()
	return &s, nil
}

func scanScripts(rows *sql.Rows) ([]*domain.LogicScript, error) {
	defer rows.Close()
	out := []*domain.LogicScript{}
	for rows.Next() {
		s, err := scanScript(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan logic_script")
		}
		out = append(out, s)
	}
	return out, errors.Wrap(rows.Err(), "iterate logic_script")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func (r *SQLiteScriptRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return errors.Wrap(tx.Commit(), "commit tx")
}

func (r *SQLiteScriptRepository) Create(ctx context.Context, script *domain.LogicScript) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		var maxOrder sql.NullInt64
		err := tx.QueryRowContext(ctx,
			`SELECT MAX(sequence_order) FROM logic_script WHERE distributor_id = ? AND trigger_point = ?`,
			script.DistributorID, string(script.TriggerPoint)).Scan(&maxOrder)
		if err != nil {
			return errors.Wrap(err, "query max sequence_order")
		}
		order := int(maxOrder.Int64) + 1

		res, err := tx.ExecContext(ctx,
			`INSERT INTO logic_script (distributor_id, trigger_point, description, script_content, sequence_order, active, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			script.DistributorID, string(script.TriggerPoint), script.Description, script.ScriptContent,
			order, boolToInt(script.Active), script.CreatedAt.UnixMilli(), script.UpdatedAt.UnixMilli())
		if err != nil {
			return errors.Wrap(err, "insert logic_script")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return errors.Wrap(err, "last insert id")
		}
		script.ID = id
		script.SequenceOrder = order
		return nil
	})
}

func (r *SQLiteScriptRepository) Get(ctx context.Context, distributorID string, id int64) (*domain.LogicScript, error) {
	return r.get(ctx, r.db, distributorID, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r *SQLiteScriptRepository) get(ctx context.Context, q queryer, distributorID string, id int64) (*domain.LogicScript, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM logic_script WHERE id = ? AND distributor_id = ?`, id, distributorID)
	s, err := scanScript(row)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, &domain.NotFoundError{DistributorID: distributorID, ID: id}
		}
		return nil, errors.Wrapf(err, "load logic_script %d", id)
	}
	return s, nil
}

func (r *SQLiteScriptRepository) List(ctx context.Context, distributorID string) ([]*domain.LogicScript, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM logic_script WHERE distributor_id = ?`, distributorID)
	if err != nil {
		return nil, errors.Wrap(err, "list logic_script")
	}
	return scanScripts(rows)
}

func (r *SQLiteScriptRepository) ListActive(ctx context.Context, group domain.GroupKey) ([]*domain.LogicScript, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM logic_script
		 WHERE distributor_id = ? AND trigger_point = ? AND active = 1
		 ORDER BY sequence_order ASC`, group.DistributorID, string(group.TriggerPoint))
	if err != nil {
		return nil, errors.Wrapf(err, "list active scripts of %s", group)
	}
	return scanScripts(rows)
}

func (r *SQLiteScriptRepository) Update(ctx context.Context, distributorID string, id int64, patch domain.ScriptPatch) (*domain.LogicScript, error) {
	var updated *domain.LogicScript
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		script, err := r.get(ctx, tx, distributorID, id)
		if err != nil {
			return err
		}
		patch.Apply(script, r.now())
		_, err = tx.ExecContext(ctx,
			`UPDATE logic_script SET active = ?, script_content = ?, description = ?, updated_at = ?
			 WHERE id = ? AND distributor_id = ?`,
			boolToInt(script.Active), script.ScriptContent, script.Description, script.UpdatedAt.UnixMilli(),
			id, distributorID)
		if err != nil {
			return errors.Wrapf(err, "update logic_script %d", id)
		}
		updated = script
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *SQLiteScriptRepository) Delete(ctx context.Context, distributorID string, id int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM logic_script WHERE id = ? AND distributor_id = ?`, id, distributorID)
	if err != nil {
		return errors.Wrapf(err, "delete logic_script %d", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 0 {
		return &domain.NotFoundError{DistributorID: distributorID, ID: id}
	}
	return nil
}

// Reorder 与 GORM 实现相同：先取反再写入 1..n，全部在一个事务中完成。
func (r *SQLiteScriptRepository) Reorder(ctx context.Context, group domain.GroupKey, orderedIDs []int64) ([]*domain.LogicScript, error) {
	var result []*domain.LogicScript
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT `+sqliteColumns+` FROM logic_script WHERE distributor_id = ? AND trigger_point = ?`,
			group.DistributorID, string(group.TriggerPoint))
		if err != nil {
			return errors.Wrap(err, "load group")
		}
		current, err := scanScripts(rows)
		if err != nil {
			return err
		}
		if err := domain.ValidateReorder(current, orderedIDs); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx,
			`UPDATE logic_script SET sequence_order = -sequence_order WHERE distributor_id = ? AND trigger_point = ?`,
			group.DistributorID, string(group.TriggerPoint)); err != nil {
			return errors.Wrap(err, "reorder phase 1")
		}

		stmt, err := tx.PrepareContext(ctx, `UPDATE logic_script SET sequence_order = ?, updated_at = ? WHERE id = ?`)
		if err != nil {
			return errors.Wrap(err, "prepare reorder")
		}
		defer stmt.Close()
		now := r.now().UnixMilli()
		for i, id := range orderedIDs {
			if _, err := stmt.ExecContext(ctx, i+1, now, id); err != nil {
				return errors.Wrapf(err, "reorder phase 2, script %d", id)
			}
		}

		rows, err = tx.QueryContext(ctx,
			`SELECT `+sqliteColumns+` FROM logic_script WHERE distributor_id = ? AND trigger_point = ? ORDER BY sequence_order ASC`,
			group.DistributorID, string(group.TriggerPoint))
		if err != nil {
			return errors.Wrap(err, "reload group")
		}
		result, err = scanScripts(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}
