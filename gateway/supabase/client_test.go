package supabase

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/tutoring"
)

func TestNew_RequiresURLAndKey(t *testing.T) {
	_, err := New(Config{APIKey: "k"})
	assert.ErrorIs(t, err, tutoring.ErrInvalidConfig)

	_, err = New(Config{URL: "https://example.supabase.co"})
	assert.ErrorIs(t, err, tutoring.ErrInvalidConfig)
}

func TestRPCError(t *testing.T) {
	tests := []struct {
		name     string
		resp     string
		wantErr  bool
		wantCode string
	}{
		{name: "void", resp: "", wantErr: false},
		{name: "null", resp: "null", wantErr: false},
		{name: "scalar result", resp: "7", wantErr: false},
		{name: "object without message", resp: `{"count": 2}`, wantErr: false},
		{name: "postgrest error", resp: `{"code":"P0002","message":"session x not found","details":null,"hint":null}`, wantErr: true, wantCode: "P0002"},
		{name: "transport failure", resp: "dial tcp: connection refused", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := rpcError(tt.resp)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var rpcErr *RPCError
			require.ErrorAs(t, err, &rpcErr)
			assert.Equal(t, tt.wantCode, rpcErr.Code)
		})
	}
}

func TestIsNoDataFound(t *testing.T) {
	assert.True(t, isNoDataFound(&RPCError{Code: "P0002", Message: "missing"}))
	assert.False(t, isNoDataFound(&RPCError{Code: "22023"}))
	assert.False(t, isNoDataFound(assert.AnError))
}

func TestSchemaDeclaresFunctions(t *testing.T) {
	for _, name := range []string{sessionsTable, messagesTable, rpcAppendMessage, rpcEnsureStats, rpcIncrementStat} {
		assert.Contains(t, Schema, name)
	}
	for _, field := range tutoring.StatFields {
		assert.Contains(t, Schema, field)
	}
}

func TestOwnerCache(t *testing.T) {
	c, err := New(Config{URL: "https://example.supabase.co", APIKey: "anon"})
	require.NoError(t, err)

	assert.False(t, c.ownerKnown("u1"))
	c.rememberOwner("u1")
	assert.True(t, c.ownerKnown("u1"))

	// Known owners short-circuit without a network round trip.
	assert.NoError(t, c.EnsureOwnerStats(context.Background(), "u1"))
}
