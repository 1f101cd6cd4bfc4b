package infrastructure

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"storelogic/internal/service/logic/domain"
)

var scriptColumns = []string{"id", "distributor_id", "trigger_point", "description", "script_content", "sequence_order", "active", "created_at", "updated_at"}

func newMockRepo(t *testing.T) (*GormScriptRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	gdb, err := gorm.Open(mysql.New(mysql.Config{Conn: db, SkipInitializeWithVersion: true}), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	repo := NewGormScriptRepository(gdb)
	repo.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	return repo, mock
}

func TestGormScriptRepository_CreateAssignsNextOrder(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT MAX\\(sequence_order\\) FROM `logic_script` WHERE .* FOR UPDATE").
		WithArgs("t1", "add_to_cart").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(2))
	mock.ExpectExec("INSERT INTO `logic_script`").WillReturnResult(sqlmock.NewResult(7, 1))
	mock.ExpectCommit()

	now := time.Now()
	script, err := domain.NewLogicScript(domain.NewScriptInput{
		DistributorID: "t1",
		TriggerPoint:  "add_to_cart",
		ScriptContent: "true",
	}, now)
	require.NoError(t, err)

	require.NoError(t, repo.Create(context.Background(), script))
	assert.Equal(t, int64(7), script.ID)
	assert.Equal(t, 3, script.SequenceOrder)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormScriptRepository_CreateEmptyGroupStartsAtOne(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT MAX\\(sequence_order\\)").
		WillReturnRows(sqlmock.NewRows([]string{"max"}).AddRow(nil))
	mock.ExpectExec("INSERT INTO `logic_script`").WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	script := &domain.LogicScript{DistributorID: "t1", TriggerPoint: domain.TriggerSubmit, ScriptContent: "true", Active: true}
	require.NoError(t, repo.Create(context.Background(), script))
	assert.Equal(t, 1, script.SequenceOrder)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormScriptRepository_GetNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery("SELECT \\* FROM `logic_script` WHERE").
		WillReturnRows(sqlmock.NewRows(scriptColumns))

	_, err := repo.Get(context.Background(), "t2", 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormScriptRepository_ListActive(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectQuery("SELECT \\* FROM `logic_script` WHERE .* ORDER BY sequence_order ASC").
		WithArgs("t1", "submit", true).
		WillReturnRows(sqlmock.NewRows(scriptColumns).
			AddRow(4, "t1", "submit", "a", "true", 1, true, now, now).
			AddRow(2, "t1", "submit", "b", "false", 2, true, now, now))

	scripts, err := repo.ListActive(context.Background(), domain.GroupKey{DistributorID: "t1", TriggerPoint: domain.TriggerSubmit})
	require.NoError(t, err)
	require.Len(t, scripts, 2)
	assert.Equal(t, int64(4), scripts[0].ID)
	assert.Equal(t, domain.TriggerSubmit, scripts[1].TriggerPoint)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormScriptRepository_UpdateWritesZeroValues(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `logic_script` WHERE .* FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(scriptColumns).AddRow(5, "t1", "submit", "d", "true", 1, true, now, now))
	mock.ExpectExec("UPDATE `logic_script` SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	inactive := false
	updated, err := repo.Update(context.Background(), "t1", 5, domain.ScriptPatch{Active: &inactive})
	require.NoError(t, err)
	assert.False(t, updated.Active)
	assert.Equal(t, "true", updated.ScriptContent)
	assert.Equal(t, repo.now(), updated.UpdatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormScriptRepository_UpdateOtherTenantIsNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `logic_script` WHERE").
		WillReturnRows(sqlmock.NewRows(scriptColumns))
	mock.ExpectRollback()

	active := true
	_, err := repo.Update(context.Background(), "t2", 5, domain.ScriptPatch{Active: &active})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormScriptRepository_DeleteNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec("DELETE FROM `logic_script` WHERE").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Delete(context.Background(), "t1", 99)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormScriptRepository_ReorderRejectsMismatchWithoutWrites(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `logic_script` WHERE .* FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(scriptColumns).
			AddRow(1, "t1", "submit", "", "true", 1, true, now, now).
			AddRow(2, "t1", "submit", "", "true", 2, true, now, now))
	mock.ExpectRollback()

	_, err := repo.Reorder(context.Background(), domain.GroupKey{DistributorID: "t1", TriggerPoint: domain.TriggerSubmit}, []int64{2})
	assert.ErrorIs(t, err, domain.ErrValidation)
	// 没有任何 UPDATE 被执行
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGormScriptRepository_ReorderTwoPhase(t *testing.T) {
	repo, mock := newMockRepo(t)
	now := time.Now()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT \\* FROM `logic_script` WHERE .* FOR UPDATE").
		WillReturnRows(sqlmock.NewRows(scriptColumns).
			AddRow(1, "t1", "submit", "", "true", 1, true, now, now).
			AddRow(2, "t1", "submit", "", "true", 2, true, now, now))
	mock.ExpectExec("UPDATE `logic_script` SET `sequence_order`=-sequence_order").
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("UPDATE `logic_script` SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE `logic_script` SET").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery("SELECT \\* FROM `logic_script` WHERE .* ORDER BY sequence_order ASC").
		WillReturnRows(sqlmock.NewRows(scriptColumns).
			AddRow(2, "t1", "submit", "", "true", 1, true, now, now).
			AddRow(1, "t1", "submit", "", "true", 2, true, now, now))
	mock.ExpectCommit()

	scripts, err := repo.Reorder(context.Background(), domain.GroupKey{DistributorID: "t1", TriggerPoint: domain.TriggerSubmit}, []int64{2, 1})
	require.NoError(t, err)
	require.Len(t, scripts, 2)
	assert.Equal(t, int64(2), scripts[0].ID)
	assert.Equal(t, 1, scripts[0].SequenceOrder)
	assert.NoError(t, mock.ExpectationsWereMet())
}
