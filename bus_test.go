package recordsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvalidationEvent_Matches(t *testing.T) {
	one := OneKey("posts", "1")
	list := ListKey("posts", ListParams{})

	all := InvalidationEvent{Resource: "posts"}
	assert.True(t, all.Matches(one))
	assert.True(t, all.Matches(list))
	assert.False(t, all.Matches(OneKey("comments", "1")))

	scoped := InvalidationEvent{Resource: "posts", Key: &one}
	assert.True(t, scoped.Matches(OneKey("posts", "1")))
	assert.False(t, scoped.Matches(list))
}

func TestInvalidationBus_DeliversInOrderBeforePublishReturns(t *testing.T) {
	bus := NewInvalidationBus()
	var got []string

	bus.Subscribe(nil, func(e InvalidationEvent) { got = append(got, "a:"+e.Resource) })
	bus.Subscribe(func(e InvalidationEvent) bool { return e.Resource == "posts" }, func(e InvalidationEvent) {
		got = append(got, "b:"+e.Resource)
	})

	bus.Publish(InvalidationEvent{Resource: "posts"})
	bus.Publish(InvalidationEvent{Resource: "comments"})

	assert.Equal(t, []string{"a:posts", "b:posts", "a:comments"}, got)
}

func TestInvalidationBus_Unsubscribe(t *testing.T) {
	bus := NewInvalidationBus()
	calls := 0
	unsubscribe := bus.Subscribe(nil, func(InvalidationEvent) { calls++ })
	require.Equal(t, 1, bus.Len())

	bus.Publish(InvalidationEvent{Resource: "posts"})
	unsubscribe()
	unsubscribe()
	bus.Publish(InvalidationEvent{Resource: "posts"})

	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, bus.Len())
}
