package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/email-validator/internal/cleaner"
	"github.com/ignite/email-validator/internal/domain"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

func TestMasterRepo_InsertConflictIsSilent(t *testing.T) {
	db, mock := newMock(t)
	repo := NewMasterRepo(db)
	ctx := context.Background()
	team := int64(3)

	mock.ExpectQuery("INSERT INTO master_emails").
		WithArgs("foo@example.com", "Foo@EXAMPLE.com", "example.com", "foo", int64(1), nil, team, "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))
	mock.ExpectQuery("INSERT INTO master_emails").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	m := &domain.MasterEmail{
		Normalized: "foo@example.com", Raw: "Foo@EXAMPLE.com", Domain: "example.com", LocalPart: "foo",
		BatchID: 1, Submitter: domain.Submitter{UserID: "user-1", TeamID: &team},
	}
	inserted, err := repo.Insert(ctx, m)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, int64(42), m.ID)

	dup := &domain.MasterEmail{Normalized: "foo@example.com", Raw: "foo@example.com", BatchID: 1}
	inserted, err = repo.Insert(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.Zero(t, dup.ID)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMasterRepo_GetMissing(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery("FROM master_emails WHERE id").WithArgs(int64(9)).WillReturnError(sql.ErrNoRows)

	_, err := NewMasterRepo(db).Get(context.Background(), 9)
	assert.ErrorIs(t, err, ErrMasterNotFound)
}

func TestBatchRepo_Get(t *testing.T) {
	db, mock := newMock(t)
	now := time.Now()
	mock.ExpectQuery("FROM batches WHERE batch_id").
		WithArgs(int64(5)).
		WillReturnRows(sqlmock.NewRows([]string{
			"batch_id", "submitter_uuid", "submitter_id", "submitter_team_id",
			"total_count", "status", "paused_stage", "created_at", "updated_at",
		}).AddRow(int64(5), "u-1", int64(10), nil, int64(3), "paused", "validation", now, now))

	b, err := NewBatchRepo(db).Get(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, "u-1", b.Submitter.UserID)
	require.NotNil(t, b.Submitter.EmployeeID)
	assert.Equal(t, int64(10), *b.Submitter.EmployeeID)
	assert.Nil(t, b.Submitter.TeamID)
	assert.True(t, b.IsPausedAt(domain.StageValidation))
	assert.False(t, b.IsPausedAt(domain.StageFilter))
}

func TestBatchRepo_GetNotFound(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery("FROM batches").WillReturnError(sql.ErrNoRows)

	_, err := NewBatchRepo(db).Get(context.Background(), 1)
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestBatchRepo_Complete(t *testing.T) {
	db, mock := newMock(t)
	repo := NewBatchRepo(db)

	mock.ExpectExec("UPDATE batches SET status = 'completed'").WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE batches SET status = 'completed'").WithArgs(int64(1)).WillReturnResult(sqlmock.NewResult(0, 0))

	changed, err := repo.Complete(context.Background(), 1)
	require.NoError(t, err)
	assert.True(t, changed)
	changed, err = repo.Complete(context.Background(), 1)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestBatchRepo_PauseUnknown(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec("UPDATE batches SET status = 'paused'").
		WithArgs(int64(7), "filter").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := NewBatchRepo(db).Pause(context.Background(), 7, domain.StageFilter)
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestBatchRepo_MarkDeletedAndPurge(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE batches SET status = 'deleted'").WithArgs(int64(4)).WillReturnResult(sqlmock.NewResult(0, 1))
	for _, table := range []string{"validation_results", "filtered_emails", "final_business_emails", "final_personal_emails", "free_pool", "master_emails_temp", "master_emails"} {
		mock.ExpectExec("DELETE FROM " + table).WithArgs(int64(4)).WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	require.NoError(t, NewBatchRepo(db).MarkDeletedAndPurge(context.Background(), 4))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchRepo_MarkDeletedRollsBackOnError(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE batches SET status = 'deleted'").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM validation_results").WillReturnError(sql.ErrConnDone)
	mock.ExpectRollback()

	err := NewBatchRepo(db).MarkDeletedAndPurge(context.Background(), 4)
	assert.ErrorIs(t, err, sql.ErrConnDone)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBatchRepo_ResetDownstream(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM master_emails").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(10)).AddRow(int64(11)))
	mock.ExpectExec("DELETE FROM validation_results").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM filtered_emails").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM final_business_emails").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM final_personal_emails").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM free_pool").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("UPDATE batches SET status = 'requeued'").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ids, err := NewBatchRepo(db).ResetDownstream(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []int64{10, 11}, ids)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFilteredRepo_InsertIdempotent(t *testing.T) {
	db, mock := newMock(t)
	repo := NewFilteredRepo(db)
	cleaned := "john@example.com"
	rec := &domain.FilteredEmail{
		MasterID: 1, BatchID: 2, Original: "John@Example.c", Cleaned: &cleaned,
		Status: "repaired:.c->.com", Reason: ".c->.com", Domain: "example.com",
	}

	mock.ExpectExec("INSERT INTO filtered_emails").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO filtered_emails").WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repo.Insert(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = repo.Insert(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, inserted)
}

func TestFilteredRepo_Counts(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery("SELECT").WithArgs(int64(3)).
		WillReturnRows(sqlmock.NewRows([]string{"m", "f", "e"}).AddRow(int64(10), int64(10), int64(0)))

	c, err := NewFilteredRepo(db).Counts(context.Background(), 3)
	require.NoError(t, err)
	assert.True(t, c.Done())
	assert.Zero(t, c.Eligible)
}

func TestFilteredRepo_GetMissingIsNil(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery("FROM filtered_emails").WillReturnError(sql.ErrNoRows)

	f, err := NewFilteredRepo(db).Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestResultRepo_InsertSecondIsNoop(t *testing.T) {
	db, mock := newMock(t)
	repo := NewResultRepo(db)
	res := &domain.VerificationResult{
		MasterID: 1, Status: domain.StatusValid, Category: domain.CategoryBusiness,
		Outcome: domain.OutcomeAccepted, Credential: "k1", Domain: "corp.com",
	}

	mock.ExpectExec("INSERT INTO validation_results").
		WithArgs(int64(1), "valid", []byte("{}"), "k1", "corp.com", sql.NullString{}, "", "business", "accepted", false, true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO validation_results").WillReturnResult(sqlmock.NewResult(0, 0))

	inserted, err := repo.Insert(context.Background(), res)
	require.NoError(t, err)
	assert.True(t, inserted)
	inserted, err = repo.Insert(context.Background(), res)
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalRepo_CollectorGoesToFreePool(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO final_personal_emails").
		WithArgs(int64(1), int64(9), "a@gmail.com", "gmail.com", "accepted", true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO free_pool").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	inserted, err := NewFinalRepo(db).Insert(context.Background(), &domain.FinalEmail{
		BatchID: 1, MasterID: 9, Email: "a@gmail.com", Domain: "gmail.com",
		Category: domain.CategoryPersonal, Outcome: domain.OutcomeAccepted, FreePool: true,
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFinalRepo_DuplicateSkipsFreePool(t *testing.T) {
	db, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO final_business_emails").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	inserted, err := NewFinalRepo(db).Insert(context.Background(), &domain.FinalEmail{
		BatchID: 1, MasterID: 9, Email: "a@corp.com", Domain: "corp.com",
		Category: domain.CategoryBusiness, Outcome: domain.OutcomeAccepted, FreePool: true,
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCredentialRepo_RecordFailure(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectQuery("UPDATE verifier_keys").
		WithArgs("k1", true).
		WillReturnRows(sqlmock.NewRows([]string{"consecutive_errors"}).AddRow(4))

	n, err := NewCredentialRepo(db).RecordFailure(context.Background(), "k1", true)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestCredentialRepo_List(t *testing.T) {
	db, mock := newMock(t)
	now := time.Now()
	mock.ExpectQuery("FROM verifier_keys").WillReturnRows(sqlmock.NewRows([]string{
		"id", "key", "status", "total_requests", "total_success", "total_failed", "consecutive_errors", "last_used_at",
	}).AddRow(int64(1), "k1", "active", int64(10), int64(9), int64(1), 0, now).
		AddRow(int64(2), "k2", "disabled", int64(100), int64(0), int64(100), 100, nil))

	creds, err := NewCredentialRepo(db).List(context.Background())
	require.NoError(t, err)
	require.Len(t, creds, 2)
	assert.NotNil(t, creds[0].LastUsedAt)
	assert.Equal(t, domain.CredentialDisabled, creds[1].Status)
	assert.Nil(t, creds[1].LastUsedAt)
}

func TestRuleRepo_RuleSets(t *testing.T) {
	db, mock := newMock(t)
	team := int64(4)

	mock.ExpectQuery("FROM rules").
		WithArgs(team, nil).
		WillReturnRows(sqlmock.NewRows([]string{"contains", "endswith", "domains", "excludes"}).
			AddRow("{noreply}", "{.ru}", "{}", nil).
			AddRow("{info}", nil, "{blocked.com}", "{}"))

	sets, err := NewRuleRepo(db).RuleSets(context.Background(), cleaner.Scope{TeamID: &team})
	require.NoError(t, err)
	merged := cleaner.Merge(sets...)
	assert.Equal(t, []string{"noreply", "info"}, merged.Contains)
	assert.Equal(t, []string{".ru"}, merged.EndsWith)
	assert.Equal(t, []string{"blocked.com"}, merged.Domains)
}

func TestRuleRepo_Lookups(t *testing.T) {
	db, mock := newMock(t)
	repo := NewRuleRepo(db)

	mock.ExpectQuery("unsubscribe_list").WithArgs("a@corp.com", "corp.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectQuery("public_provider_domains").WithArgs("corp.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	unsub, err := repo.IsUnsubscribed(context.Background(), "a@corp.com", "corp.com")
	require.NoError(t, err)
	assert.True(t, unsub)

	public, err := repo.IsPublicDomain(context.Background(), "corp.com")
	require.NoError(t, err)
	assert.False(t, public)
}

func TestBoundaryRepo(t *testing.T) {
	db, mock := newMock(t)
	repo := NewBoundaryRepo(db)
	ctx := context.Background()

	mock.ExpectQuery("SELECT DISTINCT batch_id FROM master_emails_temp").WithArgs(50).
		WillReturnRows(sqlmock.NewRows([]string{"batch_id"}).AddRow(int64(1)).AddRow(int64(2)))
	mock.ExpectQuery("status NOT LIKE 'removed:%'").WithArgs(1000, int64(1)).
		WillReturnRows(sqlmock.NewRows([]string{"master_id"}).AddRow(int64(7)))
	mock.ExpectQuery("SELECT id, batch_id FROM master_emails").WithArgs(pq.Array([]int64{7})).
		WillReturnRows(sqlmock.NewRows([]string{"id", "batch_id"}).AddRow(int64(7), int64(1)))

	batches, err := repo.StagedBatches(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2}, batches)

	ids, err := repo.UnverifiedIDs(ctx, 1, 1000)
	require.NoError(t, err)
	assert.Equal(t, []int64{7}, ids)

	owners, err := repo.MasterBatches(ctx, ids)
	require.NoError(t, err)
	assert.Equal(t, map[int64]int64{7: 1}, owners)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBoundaryRepo_OpenBatches(t *testing.T) {
	db, mock := newMock(t)
	repo := NewBoundaryRepo(db)

	mock.ExpectQuery(`status IN \('running','requeued'\)`).WithArgs(20).
		WillReturnRows(sqlmock.NewRows([]string{"batch_id"}).AddRow(int64(3)).AddRow(int64(9)))

	open, err := repo.OpenBatches(context.Background(), 20)
	require.NoError(t, err)
	assert.Equal(t, []int64{3, 9}, open)
	assert.NoError(t, mock.ExpectationsWereMet())
}
