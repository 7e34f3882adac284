package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/and161185/ledgersync/internal/crypto"
	"github.com/and161185/ledgersync/internal/errs"
	"github.com/and161185/ledgersync/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"
)

func newSealer(t *testing.T) *crypto.Sealer {
	t.Helper()
	s, err := crypto.NewSealer(make([]byte, crypto.KeyLen))
	require.NoError(t, err)
	return s
}

func TestTokenRepo_Get(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := newSealer(t)
	r := NewTokenRepo(db, s)
	ctx := context.Background()

	id := uuid.Must(uuid.NewV4())
	acc, err := s.Seal("acc", aadAccess)
	require.NoError(t, err)
	ref, err := s.Seal("ref", aadRefresh)
	require.NoError(t, err)
	exp := time.Now().Add(time.Hour)
	now := time.Now()

	mock.ExpectQuery(`SELECT id, realm_id, access_token_enc, refresh_token_enc, expires_at, created_at, updated_at FROM tokens ORDER BY created_at LIMIT 1`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "realm_id", "access_token_enc", "refresh_token_enc", "expires_at", "created_at", "updated_at"}).
			AddRow(id, "realm-1", acc, ref, exp, now, now))
	tok, err := r.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, id, tok.ID)
	require.Equal(t, "acc", tok.AccessToken)
	require.Equal(t, "ref", tok.RefreshToken)
	require.Equal(t, "realm-1", tok.RealmID)

	mock.ExpectQuery(`FROM tokens ORDER BY created_at LIMIT 1`).
		WillReturnError(pgx.ErrNoRows)
	_, err = r.Get(ctx)
	require.ErrorIs(t, err, errs.ErrNotFound)
}

func TestTokenRepo_Get_SwappedColumnsFail(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	s := newSealer(t)
	r := NewTokenRepo(db, s)

	acc, _ := s.Seal("acc", aadAccess)
	now := time.Now()
	mock.ExpectQuery(`FROM tokens`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "realm_id", "access_token_enc", "refresh_token_enc", "expires_at", "created_at", "updated_at"}).
			AddRow(uuid.Must(uuid.NewV4()), "r", acc, acc, now, now, now))
	_, err := r.Get(context.Background())
	require.Error(t, err)
}

func TestTokenRepo_Save_UpdatesInPlace(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTokenRepo(db, newSealer(t))
	ctx := context.Background()

	existing := uuid.Must(uuid.NewV4())
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tok := &model.Token{AccessToken: "a2", RefreshToken: "r2", RealmID: "realm", ExpiresAt: time.Now().Add(time.Hour)}

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id, created_at FROM tokens ORDER BY created_at LIMIT 1 FOR UPDATE`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(existing, created))
	mock.ExpectExec(`UPDATE tokens SET realm_id=\$2, access_token_enc=\$3, refresh_token_enc=\$4, expires_at=\$5, updated_at=\$6 WHERE id=\$1`).
		WithArgs(existing, "realm", pgxmock.AnyArg(), pgxmock.AnyArg(), tok.ExpiresAt, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, r.Save(ctx, tok))
	require.Equal(t, existing, tok.ID)
	require.Equal(t, created, tok.CreatedAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepo_Save_InsertsFirstRow(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTokenRepo(db, newSealer(t))

	tok := &model.Token{AccessToken: "a", RefreshToken: "r", RealmID: "realm", ExpiresAt: time.Now().Add(time.Hour)}

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`INSERT INTO tokens \(id, realm_id, access_token_enc, refresh_token_enc, expires_at, created_at, updated_at\)`).
		WithArgs(pgxmock.AnyArg(), "realm", pgxmock.AnyArg(), pgxmock.AnyArg(), tok.ExpiresAt, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	require.NoError(t, r.Save(context.Background(), tok))
	require.NotEqual(t, uuid.Nil, tok.ID)
	require.False(t, tok.CreatedAt.IsZero())
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestTokenRepo_Save_RetriesAfterConcurrentInsert(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewTokenRepo(db, newSealer(t))

	tok := &model.Token{AccessToken: "a", RefreshToken: "r", RealmID: "realm", ExpiresAt: time.Now().Add(time.Hour)}
	winner := uuid.Must(uuid.NewV4())

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`INSERT INTO tokens`).
		WithArgs(pgxmock.AnyArg(), "realm", pgxmock.AnyArg(), pgxmock.AnyArg(), tok.ExpiresAt, pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})
	mock.ExpectRollback()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).AddRow(winner, time.Now()))
	mock.ExpectExec(`UPDATE tokens SET`).
		WithArgs(winner, "realm", pgxmock.AnyArg(), pgxmock.AnyArg(), tok.ExpiresAt, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	require.NoError(t, r.Save(context.Background(), tok))
	require.Equal(t, winner, tok.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}
