package harmonydb

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/stretchr/testify/require"
	"github.com/yugabyte/pgx/v5/pgconn"
)

func TestBackoffSerializationError(t *testing.T) {
	orig := backoffs
	backoffs = []time.Duration{time.Millisecond, time.Millisecond, time.Millisecond}
	defer func() { backoffs = orig }()

	serializationErr := &pgconn.PgError{Code: pgerrcode.SerializationFailure}

	t.Run("gives up wrapping the original", func(t *testing.T) {
		calls := 0
		_, err := backoffForSerializationError(func() (int, error) {
			calls++
			return 0, serializationErr
		})
		require.ErrorIs(t, err, serializationErr)
		require.True(t, IsErrSerialization(err))
		require.Equal(t, 3, calls)
	})

	t.Run("recovers", func(t *testing.T) {
		calls := 0
		res, err := backoffForSerializationError(func() (int, error) {
			calls++
			if calls < 2 {
				return 0, serializationErr
			}
			return 42, nil
		})
		require.NoError(t, err)
		require.Equal(t, 42, res)
	})

	t.Run("other errors are not retried", func(t *testing.T) {
		calls := 0
		other := errors.New("boom")
		_, err := backoffForSerializationError(func() (int, error) {
			calls++
			return 0, other
		})
		require.Equal(t, other, err)
		require.Equal(t, 1, calls)
	})
}

func TestErrClassification(t *testing.T) {
	unique := &pgconn.PgError{Code: pgerrcode.UniqueViolation}
	require.True(t, IsErrUniqueContraint(unique))
	require.False(t, IsErrSerialization(unique))
	require.False(t, IsErrUniqueContraint(errors.New("x")))
	require.False(t, IsErrSerialization(nil))
}
