package upcast

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addField(name string, value any) Func {
	return func(payload json.RawMessage) (json.RawMessage, error) {
		m := map[string]any{}
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
		if _, ok := m[name]; !ok {
			m[name] = value
		}
		return json.Marshal(m)
	}
}

func TestChainPassThroughAtCurrentVersion(t *testing.T) {
	c := NewChain()
	c.SetCurrent("order.created", 2)

	payload := json.RawMessage(`{"x":5,"currency":"EUR"}`)
	version, out, err := c.Apply("order.created", 2, payload)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), version)
	assert.JSONEq(t, string(payload), string(out))
}

func TestChainUpcastsStepByStep(t *testing.T) {
	c := NewChain()
	c.Register("order.created", 1, addField("currency", "USD"))
	c.Register("order.created", 2, addField("channel", "web"))

	version, out, err := c.Apply("order.created", 1, json.RawMessage(`{"x":5}`))
	require.NoError(t, err)
	assert.Equal(t, uint32(3), version)

	// Field-for-field identical to a payload written natively at v3.
	assert.JSONEq(t, `{"x":5,"currency":"USD","channel":"web"}`, string(out))
}

func TestChainUpcastMatchesNativePayload(t *testing.T) {
	c := NewChain()
	c.Register("order.updated", 1, addField("currency", "USD"))

	_, upcast, err := c.Apply("order.updated", 1, json.RawMessage(`{"x":5}`))
	require.NoError(t, err)

	native := json.RawMessage(`{"x":5,"currency":"USD"}`)
	version, out, err := c.Apply("order.updated", 2, native)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), version)
	assert.JSONEq(t, string(out), string(upcast))
}

func TestChainUnknownVersionIsFatal(t *testing.T) {
	c := NewChain()
	c.SetCurrent("order.created", 3)
	c.Register("order.created", 2, addField("channel", "web"))

	t.Run("gap in chain", func(t *testing.T) {
		_, _, err := c.Apply("order.created", 1, json.RawMessage(`{}`))
		assert.ErrorIs(t, err, ErrSchemaVersionUnknown)
	})

	t.Run("stored version newer than current", func(t *testing.T) {
		_, _, err := c.Apply("order.created", 4, json.RawMessage(`{}`))
		assert.ErrorIs(t, err, ErrSchemaVersionUnknown)
	})
}

func TestChainDefaultsToVersionOne(t *testing.T) {
	c := NewChain()
	version, out, err := c.Apply("never.registered", 1, json.RawMessage(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, uint32(1), version)
	assert.JSONEq(t, `{"a":1}`, string(out))
}
