package disabled

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"collabtext/awareness"
	"collabtext/transport"
)

func TestProvider_IsInert(t *testing.T) {
	var p transport.Provider = Provider{}

	called := false
	unsub := p.OnStatus(func(transport.StatusEvent) { called = true })
	p.OnAwarenessChange(func(awareness.Change) { called = true })

	assert.NoError(t, p.Connect(context.Background()))
	assert.NoError(t, p.SetLocalAwarenessField("user", map[string]string{"name": "Fox"}))
	assert.False(t, p.Connected())
	assert.Empty(t, p.GetAwarenessStates())
	assert.Nil(t, p.LocalAwarenessState())
	assert.NoError(t, p.Disconnect())
	assert.NoError(t, p.Destroy())
	assert.NoError(t, p.Destroy())
	assert.NotPanics(t, unsub)
	assert.False(t, called)
	assert.Equal(t, transport.KindDisabled, p.Kind())
}
