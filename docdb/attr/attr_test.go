package attr

import (
	"bytes"
	"encoding/gob"
	"testing"
	"time"

	"github.com/add-eus/library/docdb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	born := time.Date(1815, 12, 10, 8, 30, 0, 0, time.UTC)
	data := docdb.Data{
		"name":    "ada",
		"age":     int64(36),
		"ratio":   2.0,
		"active":  true,
		"nothing": nil,
		"born":    born,
		"where":   docdb.GeoPoint{Lat: 51.5, Lng: -0.12},
		"tags":    []any{"a", int64(1)},
		"nested":  map[string]any{"city": "london", "empty": map[string]any{}},
	}

	item, err := FromData(data)
	require.NoError(t, err)
	assert.Equal(t, &types.AttributeValueMemberN{Value: "2.0"}, item["ratio"], "floats keep a fraction")

	back, err := ToData(item)
	require.NoError(t, err)
	assert.Equal(t, data, back)

	raw, err := Encode(data)
	require.NoError(t, err)
	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}

func TestFromData_SkipsDeleteField(t *testing.T) {
	item, err := FromData(docdb.Data{"keep": "x", "drop": docdb.DeleteField})
	require.NoError(t, err)
	assert.Len(t, item, 1)
	assert.Contains(t, item, "keep")
}

func TestMarshal_TypedSlicesAndInts(t *testing.T) {
	av, err := Marshal([]string{"a", "b"})
	require.NoError(t, err)
	v, err := Unmarshal(av)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, v)

	av, err = Marshal(int(7))
	require.NoError(t, err)
	v, err = Unmarshal(av)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v)
}

func TestDecode_CorruptValues(t *testing.T) {
	tests := []struct {
		name  string
		value serializableAV
	}{
		{name: "string holding a number", value: serializableAV{Type: "S", Value: int64(3)}},
		{name: "bool holding a string", value: serializableAV{Type: "BOOL", Value: "yes"}},
		{name: "map holding a string", value: serializableAV{Type: "M", Value: "x"}},
		{name: "list holding a bool", value: serializableAV{Type: "L", Value: true}},
		{name: "nested", value: serializableAV{Type: "L", Value: []serializableAV{{Type: "N", Value: 1.5}}}},
		{name: "unknown type", value: serializableAV{Type: "Z", Value: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, gob.NewEncoder(&buf).Encode(map[string]serializableAV{"field": tt.value}))

			_, err := Decode(buf.Bytes())
			require.Error(t, err)
			assert.Contains(t, err.Error(), `field "field"`)
		})
	}
}

func TestDecode_FalsyValues(t *testing.T) {
	data := docdb.Data{"name": "", "active": false, "tags": []any{}}
	raw, err := Encode(data)
	require.NoError(t, err)
	decoded, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, data, decoded)
}
