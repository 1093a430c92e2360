package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// byte strings, integers, booleans, null, maps and lists must survive
// the wire encoding
func TestParamsRoundTrip(t *testing.T) {
	params := Params{
		"uuid":    []byte{0x01, 0x02, 0xff},
		"port":    int64(5432),
		"async":   true,
		"rewrite": nil,
		"cookie":  map[string]any{"tag": "web"},
		"layers":  []any{"a", "b"},
	}

	data, err := EncodeParams(params)
	require.NoError(t, err)

	decoded, err := DecodeParams(data)
	require.NoError(t, err)

	assert.Equal(t, []byte{0x01, 0x02, 0xff}, decoded.Bytes("uuid"))
	assert.Equal(t, int64(5432), decoded.Int("port"))
	assert.True(t, decoded.Bool("async"))
	assert.True(t, decoded.Has("rewrite"))
	assert.Equal(t, "", decoded.Str("rewrite"))
	assert.Equal(t, []string{"a", "b"}, decoded.StrList("layers"))
}

func TestParamsAccessors(t *testing.T) {
	p := Params{
		"str-as-bytes": []byte("hello"),
		"bytes-as-str": "world",
		"num":          uint64(7),
		"list":         []any{[]byte("x"), nil, "y"},
	}

	assert.Equal(t, "hello", p.Str("str-as-bytes"))
	assert.Equal(t, []byte("world"), p.Bytes("bytes-as-str"))
	assert.Equal(t, int64(7), p.Int("num"))
	assert.Equal(t, []string{"x", "y"}, p.StrList("list"), "nulls are stripped")
	assert.Equal(t, "", p.Str("absent"))
	assert.False(t, p.Has("absent"))
}
