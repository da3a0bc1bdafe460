package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_BinaryPayloadSurvives(t *testing.T) {
	in := Message{Type: TypeUpdate, Payload: []byte{0x00, 0xff, 0x10}}
	out, err := Decode(MustEncode(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestDecode_Errors(t *testing.T) {
	_, err := Decode([]byte(`{"payload":"AA=="}`))
	assert.ErrorIs(t, err, ErrEmptyType)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestEncode_OmitsEmptyFields(t *testing.T) {
	b := MustEncode(Message{Type: TypePing})
	assert.JSONEq(t, `{"type":"ping"}`, string(b))
}
