package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modelforge/controlplane/internal/app/apperrors"
	"github.com/modelforge/controlplane/internal/app/domain/model"
	"github.com/modelforge/controlplane/internal/app/storage"
)

// These tests run without a live Postgres instance: sqlmock drives the
// database/sql driver interface directly, letting the SQL this store emits
// (and its error translation) be checked without TEST_POSTGRES_DSN.

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return &Store{db: sqlx.NewDb(db, "postgres")}, mock
}

func TestCreateModelTranslatesUniqueViolationToCatalogConflict(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO models").
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "models_name_version_key"`))

	err := store.CreateModel(context.Background(), &model.Model{Name: "dup", Version: "1.0.0"})
	var catalogErr *apperrors.CatalogError
	require.ErrorAs(t, err, &catalogErr)
	assert.Equal(t, apperrors.CatalogConflict, catalogErr.Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetModelTranslatesNoRowsToCatalogNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT \\* FROM models WHERE id = ").
		WillReturnRows(sqlmock.NewRows(nil))

	_, err := store.GetModel(context.Background(), "missing")
	var catalogErr *apperrors.CatalogError
	require.ErrorAs(t, err, &catalogErr)
	assert.Equal(t, apperrors.CatalogNotFound, catalogErr.Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListPredictionsBuildsModelScopedWhereClause(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT count\\(\\*\\) FROM predictions WHERE model_id = \\$1").
		WithArgs("model-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT \\* FROM predictions WHERE model_id = \\$1 ORDER BY created_at DESC LIMIT \\$2 OFFSET \\$3").
		WithArgs("model-1", 25, 0).
		WillReturnRows(sqlmock.NewRows(nil))

	_, total, err := store.ListPredictions(context.Background(), storage.PredictionFilter{ModelID: "model-1", Page: 1, PageSize: 25})
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateModelReturnsNotFoundWhenNoRowsAffected(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE models SET").WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateModel(context.Background(), &model.Model{ID: "missing"})
	var catalogErr *apperrors.CatalogError
	require.ErrorAs(t, err, &catalogErr)
	assert.Equal(t, apperrors.CatalogNotFound, catalogErr.Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}
