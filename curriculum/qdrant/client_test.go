package qdrant

import (
	"testing"

	"github.com/qdrant/go-client/qdrant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creastat/tutoring"
	"github.com/creastat/tutoring/curriculum"
)

func TestParseURL(t *testing.T) {
	tests := []struct {
		raw     string
		host    string
		port    int
		tls     bool
		wantErr bool
	}{
		{raw: "https://example.qdrant.io:6334", host: "example.qdrant.io", port: 6334, tls: true},
		{raw: "http://localhost:7000", host: "localhost", port: 7000},
		{raw: "cluster.qdrant.io", host: "cluster.qdrant.io", port: 6334, tls: true},
		{raw: "", wantErr: true},
		{raw: "http://localhost:abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			host, port, tls, err := parseURL(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.host, host)
			assert.Equal(t, tt.port, port)
			assert.Equal(t, tt.tls, tls)
		})
	}
}

func TestNew_RequiresCollection(t *testing.T) {
	_, err := New(Config{URL: "http://localhost:6334"})
	assert.ErrorIs(t, err, tutoring.ErrInvalidConfig)
}

func TestBuildQdrantFilter(t *testing.T) {
	assert.Nil(t, buildQdrantFilter(curriculum.SearchFilter{}))

	f := buildQdrantFilter(curriculum.SearchFilter{Subject: "Biology", Metadata: map[string]any{"level": 2}})
	require.NotNil(t, f)
	require.Len(t, f.Must, 2)

	field := f.Must[0].GetField()
	require.NotNil(t, field)
	assert.Equal(t, "subject", field.Key)
	assert.Equal(t, "biology", field.Match.GetKeyword())
	assert.EqualValues(t, 2, f.Must[1].GetField().Match.GetInteger())
}

func TestToResult(t *testing.T) {
	res := toResult(qdrant.NewIDNum(7), 0.8, map[string]*qdrant.Value{
		"content": qdrant.NewValueString("Chlorophyll absorbs light."),
		"title":   qdrant.NewValueString("Light"),
		"subject": qdrant.NewValueString("biology"),
		"grade":   qdrant.NewValueInt(9),
	})

	assert.Equal(t, "7", res.ID)
	assert.Equal(t, "Light", res.Title)
	assert.Equal(t, "biology", res.Subject)
	assert.EqualValues(t, 9, res.Metadata["grade"])
}

func TestPayloadValue(t *testing.T) {
	assert.Nil(t, payloadValue(nil))
	assert.Equal(t, "x", payloadValue(qdrant.NewValueString("x")))
	assert.EqualValues(t, 3, payloadValue(qdrant.NewValueInt(3)))
	assert.Equal(t, true, payloadValue(qdrant.NewValueBool(true)))
	assert.Equal(t, []any{"a", int64(1)}, payloadValue(&qdrant.Value{Kind: &qdrant.Value_ListValue{
		ListValue: &qdrant.ListValue{Values: []*qdrant.Value{qdrant.NewValueString("a"), qdrant.NewValueInt(1)}},
	}})))
}
