package commands

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/tutoring/config"
	"github.com/creastat/tutoring/gateway"
	"github.com/creastat/tutoring/gateway/sqlite"
)

func TestBuildGateway(t *testing.T) {
	gw, err := buildGateway(config.GatewayConfig{Driver: "memory"})
	require.NoError(t, err)
	assert.IsType(t, &gateway.Memory{}, gw)

	gw, err = buildGateway(config.GatewayConfig{Driver: "sqlite", SQLitePath: filepath.Join(t.TempDir(), "tutor.db")})
	require.NoError(t, err)
	assert.IsType(t, &sqlite.Store{}, gw)
	require.NoError(t, gw.Close())

	_, err = buildGateway(config.GatewayConfig{Driver: "mongo"})
	assert.Error(t, err)

	_, err = buildGateway(config.GatewayConfig{Driver: "supabase"})
	assert.Error(t, err, "missing url and key")
}

func TestBuildSnapshots(t *testing.T) {
	store, err := buildSnapshots(config.SnapshotConfig{Driver: "memory", Capacity: 5})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = buildSnapshots(config.SnapshotConfig{Driver: "etcd"})
	assert.Error(t, err)
}

func TestBuildRetriever_Disabled(t *testing.T) {
	r, err := buildRetriever(*config.Default())
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestBuildRetriever_RequiresEmbeddings(t *testing.T) {
	cfg := config.Default()
	cfg.Curriculum.QdrantURL = "http://localhost:6334"
	cfg.Curriculum.Collection = "lessons"
	cfg.Completion.Provider = "anthropic"
	cfg.Completion.APIKey = "key"

	_, err := buildRetriever(*cfg)
	assert.Error(t, err)
}

func TestSchemaCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"schema"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, Execute())
	assert.Contains(t, out.String(), "create table if not exists tutoring_sessions")
}
