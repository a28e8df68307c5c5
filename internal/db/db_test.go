package db

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitSQLStatements(t *testing.T) {
	schema := `
-- carts
CREATE TABLE carts (id BIGINT);
  -- indented comment
CREATE TABLE cart_items (
  id BIGINT
);

`
	got := splitSQLStatements(schema)
	require.Len(t, got, 2)
	assert.Equal(t, "CREATE TABLE carts (id BIGINT)", got[0])
	assert.Contains(t, got[1], "CREATE TABLE cart_items")
}

func TestWithTx(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()
	database := Wrap(sqlDB)

	t.Run("commits on success", func(t *testing.T) {
		mock.ExpectBegin()
		mock.ExpectExec("UPDATE products").WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		err := database.WithTx(context.Background(), func(tx *sql.Tx) error {
			_, err := tx.Exec("UPDATE products SET stock_quantity = 1")
			return err
		})
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("rolls back and returns fn error", func(t *testing.T) {
		boom := errors.New("boom")
		mock.ExpectBegin()
		mock.ExpectRollback()

		err := database.WithTx(context.Background(), func(tx *sql.Tx) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestIsDuplicateEntry(t *testing.T) {
	assert.True(t, IsDuplicateEntry(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}))
	assert.False(t, IsDuplicateEntry(&mysql.MySQLError{Number: 1213}))
	assert.False(t, IsDuplicateEntry(errors.New("Duplicate entry")))
}
