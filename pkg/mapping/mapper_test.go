package mapping_test

import (
	"context"
	"testing"

	"github.com/jimmy777/ditto-connectivity/pkg/connection"
	"github.com/jimmy777/ditto-connectivity/pkg/correlation"
	"github.com/jimmy777/ditto-connectivity/pkg/mapping"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry_DittoPassthrough(t *testing.T) {
	reg := mapping.NewDefaultRegistry()
	m, err := reg.Create("ditto", nil)
	require.NoError(t, err)

	msg, err := m.Map(context.Background(), []byte(`{"topic":"x"}`), map[string]string{"correlation-id": "abc"})
	require.NoError(t, err)
	assert.Equal(t, correlation.DittoProtocolContentType, msg.ContentType)
	assert.Equal(t, `{"topic":"x"}`, msg.TextPayload)
	assert.Equal(t, "abc", msg.Headers.Get("correlation-id"))
}

func TestDefaultRegistry_TextContentTypeOption(t *testing.T) {
	reg := mapping.NewDefaultRegistry()
	m, err := reg.Create("text", mapping.Options{"contentType": "text/csv"})
	require.NoError(t, err)

	msg, err := m.Map(context.Background(), []byte("a,b,c"), nil)
	require.NoError(t, err)
	assert.Equal(t, "text/csv", msg.ContentType)
	assert.Equal(t, "a,b,c", msg.TextPayload)
}

func TestDefaultRegistry_UnknownMapper(t *testing.T) {
	reg := mapping.NewDefaultRegistry()
	_, err := reg.Create("nonexistent", nil)
	assert.Error(t, err)
}

func TestRegistry_DuplicateRegistrationPanics(t *testing.T) {
	reg := mapping.NewRegistry()
	reg.Register("x", func(mapping.Options) (mapping.Mapper, error) { return nil, nil })
	assert.Panics(t, func() {
		reg.Register("x", func(mapping.Options) (mapping.Mapper, error) { return nil, nil })
	})
}

func TestResolveForSource_DefaultsToDitto(t *testing.T) {
	reg := mapping.NewDefaultRegistry()
	src := connection.Source{Address: "telemetry/+"}

	m, err := mapping.ResolveForSource(reg, src)
	require.NoError(t, err)

	msg, err := m.Map(context.Background(), []byte("{}"), nil)
	require.NoError(t, err)
	assert.Equal(t, correlation.DittoProtocolContentType, msg.ContentType)
}

func TestResolveForSource_HonorsMappingRules(t *testing.T) {
	reg := mapping.NewDefaultRegistry()
	src := connection.Source{
		Address:      "telemetry/+",
		MappingRules: map[string]string{"mapper": "raw", "contentType": "application/cbor"},
	}

	m, err := mapping.ResolveForSource(reg, src)
	require.NoError(t, err)

	msg, err := m.Map(context.Background(), []byte{0x01, 0x02}, nil)
	require.NoError(t, err)
	assert.Equal(t, "application/cbor", msg.ContentType)
	assert.False(t, msg.IsText)
}
