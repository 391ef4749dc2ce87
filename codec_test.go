package xdispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type namedJSON struct {
	JSONCodec
	name string
}

func (n namedJSON) Name() string { return n.name }

// registerTestCodec registers a JSON codec under a fresh name and removes it
// when the test ends.
func registerTestCodec(t *testing.T) namedJSON {
	t.Helper()
	c := namedJSON{name: "json-" + newID()}
	require.NoError(t, RegisterCodec(c))
	t.Cleanup(func() {
		codecs.Lock()
		delete(codecs.byName, c.name)
		codecs.Unlock()
	})
	return c
}

func TestLookupCodec(t *testing.T) {
	c, err := LookupCodec("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())
	assert.Equal(t, "application/json", c.ContentType())

	_, err = LookupCodec("msgpack")
	assert.ErrorIs(t, err, ErrUnknownCodec)
}

func TestRegisterCodec(t *testing.T) {
	reg := registerTestCodec(t)
	assert.Error(t, RegisterCodec(reg))
	assert.Error(t, RegisterCodec(JSONCodec{}))
	assert.Error(t, RegisterCodec(nil))
	assert.Error(t, RegisterCodec(namedJSON{}))
	assert.Contains(t, Codecs(), reg.name)

	c, err := LookupCodec(reg.name)
	require.NoError(t, err)
	assert.Equal(t, "application/json", c.ContentType())
}

func TestDecodePayload(t *testing.T) {
	type budget struct {
		ContextID string  `json:"context_id"`
		Remaining float64 `json:"remaining"`
	}
	msg := NewBudgetMessage(BudgetAlert, "ctx1", "rhetor", map[string]any{"remaining": 12.5})

	got, err := DecodePayload[budget](nil, msg)
	require.NoError(t, err)
	assert.Equal(t, "ctx1", got.ContextID)
	assert.Equal(t, 12.5, got.Remaining)

	_, err = DecodePayload[int](JSONCodec{}, msg)
	assert.Error(t, err)
}
