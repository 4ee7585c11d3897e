package types

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewID(t *testing.T) {
	id1 := NewID()
	id2 := NewID()

	require.NoError(t, id1.Validate())
	require.NoError(t, id2.Validate())
	assert.NotEqual(t, id1, id2)
}

func TestParseID(t *testing.T) {
	valid := NewID().String()

	id, err := ParseID(valid)
	require.NoError(t, err)
	assert.Equal(t, valid, id.String())

	_, err = ParseID("")
	assert.Error(t, err)

	_, err = ParseID("not-a-uuid")
	assert.Error(t, err)
}

func TestID_JSONRoundTrip(t *testing.T) {
	id := NewID()

	data, err := json.Marshal(id)
	require.NoError(t, err)

	var decoded ID
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, id, decoded)
}

func TestID_MarshalZeroAsNull(t *testing.T) {
	var id ID
	data, err := json.Marshal(id)
	require.NoError(t, err)
	assert.Equal(t, "null", string(data))
}
