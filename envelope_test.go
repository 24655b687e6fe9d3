package agentmesh

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hatsunemiku3939/agentmesh/fault"
	"github.com/hatsunemiku3939/agentmesh/pkg/jsonschema"
)

func newEnvelopeSchemas(t *testing.T) *jsonschema.Registry {
	t.Helper()
	schemas := jsonschema.NewRegistry()
	require.NoError(t, schemas.Compile(envelopeSchemaRef, EnvelopeSchema))
	return schemas
}

func TestParseEnvelope(t *testing.T) {
	schemas := newEnvelopeSchemas(t)

	t.Run("valid wire envelope", func(t *testing.T) {
		raw := []byte(`{
			"namespace": "mesh.test/v1",
			"payloadTag": "FileReadRequest",
			"payload": {"path": "x"},
			"sender": "ui",
			"threadId": "root",
			"profile": "coding"
		}`)
		env, err := ParseEnvelope(schemas, raw)
		require.NoError(t, err)
		assert.Equal(t, "FileReadRequest", env.PayloadTag)
		assert.Equal(t, "root", env.ThreadID)
		assert.JSONEq(t, `{"path":"x"}`, string(env.Payload))
	})

	t.Run("not json", func(t *testing.T) {
		_, err := ParseEnvelope(schemas, []byte("not-json"))
		assert.True(t, fault.Is(err, fault.KindMalformedEnvelope))
	})

	t.Run("missing field names the path", func(t *testing.T) {
		_, err := ParseEnvelope(schemas, []byte(`{"namespace":"n","payloadTag":"t","payload":{},"sender":"s","profile":"p"}`))
		require.True(t, fault.Is(err, fault.KindMalformedEnvelope))
		ferr, _ := fault.AsError(err)
		assert.Equal(t, "threadId", ferr.Path)
	})

	t.Run("empty sender rejected by schema", func(t *testing.T) {
		_, err := ParseEnvelope(schemas, []byte(`{"namespace":"n","payloadTag":"t","payload":{},"sender":"","threadId":"root","profile":"p"}`))
		assert.True(t, fault.Is(err, fault.KindMalformedEnvelope))
	})
}

func TestValidThreadID(t *testing.T) {
	for id, want := range map[string]bool{
		"root":            true,
		"root.t1":         true,
		"root.t1.worker2": true,
		"root.a_b-C9":     true,
		"":                false,
		"r00t":            false,
		"root.":           false,
		"root..t1":        false,
		"root.t 1":        false,
		"t1.root":         false,
	} {
		assert.Equal(t, want, ValidThreadID(id), "id %q", id)
	}
}
