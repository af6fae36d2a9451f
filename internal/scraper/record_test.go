package scraper

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawField_UnmarshalBareString(t *testing.T) {
	var f RawField
	require.NoError(t, json.Unmarshal([]byte(`"Toronto Centre"`), &f))

	assert.True(t, f.Present())
	assert.True(t, f.IsBare())
	assert.Equal(t, "Toronto Centre", f.String())
}

func TestRawField_UnmarshalStructured(t *testing.T) {
	var f RawField
	require.NoError(t, json.Unmarshal([]byte(`{"name":"Toronto Centre","id":"ocd-division/country:ca"}`), &f))

	assert.True(t, f.Present())
	assert.False(t, f.IsBare())
	assert.Equal(t, "Toronto Centre", f.String())
	assert.Equal(t, "ocd-division/country:ca", f.Prop("id"))
}

func TestRawField_UnmarshalRejectsOtherShapes(t *testing.T) {
	var f RawField
	assert.Error(t, json.Unmarshal([]byte(`42`), &f))
	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &f))
}

func TestRawField_MarshalRoundTrip(t *testing.T) {
	out, err := json.Marshal(BareField("hi"))
	require.NoError(t, err)
	assert.Equal(t, `"hi"`, string(out))

	out, err = json.Marshal(StructuredField(map[string]any{"name": "x"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"x"}`, string(out))
}

func TestRawRecord_FieldAccess(t *testing.T) {
	rec := RawRecord{
		Kind: KindRepresentative,
		Fields: map[string]RawField{
			"name": BareField("Jane Doe"),
		},
	}

	assert.Equal(t, "Jane Doe", rec.Str("name"))
	assert.False(t, rec.Field("district").Present())
	assert.Equal(t, "", rec.Str("district"))
}

func TestCoerceBare(t *testing.T) {
	rec := CoerceBare("some stray output")
	assert.Equal(t, KindUnknown, rec.Kind)
	assert.Equal(t, "some stray output", rec.Str("value"))
}
