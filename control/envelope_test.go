package control

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelope_MarshalJSON(t *testing.T) {
	env := NewStatus(Key{Target: "fm1", Operation: "get_flow_rate"}, 0.52)

	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `["status",["fm1","get_flow_rate",0.52]]`, string(data))

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, KindStatus, decoded.Kind)
	assert.Equal(t, "fm1", decoded.Target)
	assert.Equal(t, "get_flow_rate", decoded.Operation)
	assert.Equal(t, 0.52, decoded.Value)
}

func TestEnvelope_NullValue(t *testing.T) {
	// a server-side response timeout is reported as a null-valued response
	env := NewResponse(Key{Target: "pump2", Operation: "is_moving"}, nil)

	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `["response",["pump2","is_moving",null]]`, string(data))

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, KindResponse, decoded.Kind)
	assert.Nil(t, decoded.Value)
}

func TestEnvelope_FalseValue(t *testing.T) {
	// a failed handler is reported as a false-valued response, not as
	// an absent one
	env := NewResponse(Key{Target: "valve1", Operation: "connect"}, false)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, false, decoded.Value)
}

func TestEnvelope_UnmarshalJSON_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"unknown kind", `["reply",["x","op",1]]`},
		{"kind not string", `[1,["x","op",1]]`},
		{"payload not array", `["status","nope"]`},
		{"not an array", `{"kind":"status"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env Envelope
			require.Error(t, json.Unmarshal([]byte(tt.data), &env))
		})
	}
}

func TestEnvelope_Matches(t *testing.T) {
	key := Key{Target: "x", Operation: "echo"}
	assert.True(t, NewResponse(key, "hello").Matches(key))
	assert.False(t, NewResponse(Key{Target: "y", Operation: "echo"}, "hello").Matches(key))
}
