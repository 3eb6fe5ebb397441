package typing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pairchat/internal/mocks"
	"pairchat/internal/protocol"
	"pairchat/internal/registry"
)

func TestRelayForwardsToReceiverOnly(t *testing.T) {
	reg := registry.New()
	pusher := &mocks.Pusher{}
	relay := NewRelay(reg, pusher)
	reg.Register("alice", "a1")
	reg.Register("bob", "b1")

	ok, err := relay.Start("alice", "bob")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = relay.Stop("alice", "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	assert.Equal(t, []protocol.ServerEvent{
		protocol.TypingIndicator{Username: "alice", Active: true},
		protocol.TypingIndicator{Username: "alice", Active: false},
	}, pusher.To("b1"))
	assert.Empty(t, pusher.To("a1"))
}

func TestRelayAbsentReceiverIsSilent(t *testing.T) {
	reg := registry.New()
	pusher := &mocks.Pusher{}
	relay := NewRelay(reg, pusher)
	reg.Register("alice", "a1")

	ok, err := relay.Start("alice", "bob")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Empty(t, pusher.All())
}

func TestRelayRejectsImpersonation(t *testing.T) {
	relay := NewRelay(registry.New(), &mocks.Pusher{})

	_, err := relay.Forward("alice", protocol.Typing{Username: "bob", Receiver: "alice", Active: true})
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = relay.Start("alice", "alice")
	assert.ErrorIs(t, err, ErrSelf)
}
