package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedis_MissThenHit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedis(db, "altshort:", time.Hour)

	mock.ExpectGet("altshort:funding:0.010000").RedisNil()
	mock.ExpectSet("altshort:funding:0.010000", "0.75", time.Hour).SetVal("OK")
	mock.ExpectGet("altshort:funding:0.010000").SetVal("0.75")

	_, ok := c.GetFloat("funding:0.010000")
	assert.False(t, ok)

	c.SetFloat("funding:0.010000", 0.75)

	v, ok := c.GetFloat("funding:0.010000")
	require.True(t, ok)
	assert.Equal(t, 0.75, v)

	s := c.Stats()
	assert.Equal(t, int64(1), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, int64(1), s.Sets)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_ExactFloatRoundTrip(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedis(db, "", time.Minute)

	// 'g'/-1 formatting emits the shortest exact representation.
	value := 0.123456789012345678
	mock.ExpectSet("k", "0.12345678901234568", time.Minute).SetVal("OK")
	mock.ExpectGet("k").SetVal("0.12345678901234568")

	c.SetFloat("k", value)
	got, ok := c.GetFloat("k")
	require.True(t, ok)
	assert.Equal(t, value, got, "stored and parsed floats must be bit-identical")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRedis_ErrorsDegradeToMisses(t *testing.T) {
	db, mock := redismock.NewClientMock()
	c := NewRedis(db, "", time.Minute)

	mock.ExpectGet("k").SetErr(errors.New("connection refused"))
	_, ok := c.GetFloat("k")
	assert.False(t, ok)

	mock.ExpectGet("k").SetVal("not-a-number")
	_, ok = c.GetFloat("k")
	assert.False(t, ok, "unparseable payload is a miss")

	mock.ExpectSet("k", "1", time.Minute).SetErr(errors.New("connection refused"))
	c.SetFloat("k", 1)

	s := c.Stats()
	assert.Equal(t, int64(2), s.Misses)
	assert.Equal(t, int64(0), s.Sets, "failed writes are not counted")
	require.NoError(t, mock.ExpectationsWereMet())
}
