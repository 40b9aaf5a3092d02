package global

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/toolink/weave/app"
	"github.com/toolink/weave/pubsub"
)

func TestDefaultBus(t *testing.T) {
	require.NotNil(t, GetBus())

	prev := GetBus()
	t.Cleanup(func() { SetBus(prev) })

	b := pubsub.New()
	SetBus(b)
	assert.Same(t, b, GetBus())
}

func TestApplication(t *testing.T) {
	prevBus := GetBus()
	t.Cleanup(func() {
		SetApplication(nil)
		SetBus(prevBus)
	})

	assert.Nil(t, GetApplication())

	a, err := app.New("global")
	require.NoError(t, err)
	SetApplication(a)
	assert.Same(t, a, GetApplication())
	assert.Same(t, a.Bus(), GetBus())

	SetApplication(nil)
	assert.Nil(t, GetApplication())
}
