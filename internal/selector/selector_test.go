package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rzbill/reactor/internal/broker"
)

func TestEmptySelectorMatchesAll(t *testing.T) {
	s, err := Compile("   ")
	require.NoError(t, err)
	assert.True(t, s.Match(broker.Header{}, nil))
	assert.Nil(t, s.Filter())
}

func TestPropertiesAndJSON(t *testing.T) {
	s, err := Compile(`properties["region"] == "eu" && json.total > 100`)
	require.NoError(t, err)

	eu := broker.Header{Properties: map[string]string{"region": "eu"}}
	us := broker.Header{Properties: map[string]string{"region": "us"}}
	assert.True(t, s.Match(eu, []byte(`{"total":150}`)))
	assert.False(t, s.Match(eu, []byte(`{"total":50}`)))
	assert.False(t, s.Match(us, []byte(`{"total":150}`)))
	// missing property or non-JSON body is an evaluation error, so no match
	assert.False(t, s.Match(broker.Header{}, []byte(`{"total":150}`)))
	assert.False(t, s.Match(eu, []byte(`plain text`)))
	require.NotNil(t, s.Filter())
}

func TestBodyAndPriority(t *testing.T) {
	s, err := Compile(`body.startsWith("urgent") || priority >= 7`)
	require.NoError(t, err)
	assert.True(t, s.Match(broker.Header{}, []byte("urgent: disk full")))
	assert.True(t, s.Match(broker.Header{Priority: 8}, []byte("later")))
	assert.False(t, s.Match(broker.Header{Priority: 1}, []byte("later")))
}

func TestCompileErrors(t *testing.T) {
	_, err := Compile(`properties[`)
	assert.Error(t, err)
	_, err = Compile(`undefined_var == 1`)
	assert.Error(t, err)
	_, err = Compile(`body + "x"`)
	assert.Error(t, err)
}
