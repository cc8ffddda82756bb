package keys_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/snehjoshi/admitq/internal/keys"
)

func TestAddresses(t *testing.T) {
	pk, sk := keys.Request("01H")
	assert.Equal(t, "REQ#01H", pk)
	assert.Equal(t, "META", sk)

	pk, sk = keys.Lock("e1", "u1")
	assert.Equal(t, "IDEMP#e1#u1", pk)
	assert.Equal(t, "LOCK", sk)

	pk, sk = keys.Capacity("e1")
	assert.Equal(t, "EVENT#e1", pk)
	assert.Equal(t, "CAPACITY", sk)

	assert.Equal(t, "USER#u1", keys.Requester("u1"))
	assert.Equal(t, "EVENT#e1|CAPACITY", keys.Item(keys.Capacity("e1")))
}

func TestQueuedSort_OrdersByTime(t *testing.T) {
	early := keys.QueuedSort(999, "Z")
	late := keys.QueuedSort(1000, "A")
	assert.Less(t, early, late, "sort keys must order by queuedAt before request id")
	assert.Equal(t, "QAT#0000000001000#REQ#A", late)
}

func TestAddresses_DistinctEntitiesNeverCollide(t *testing.T) {
	seen := map[string]bool{}
	for _, k := range []string{
		keys.Item(keys.Request("x")),
		keys.Item(keys.Lock("x", "x")),
		keys.Item(keys.Capacity("x")),
	} {
		assert.False(t, seen[k], k)
		seen[k] = true
	}
}

func TestValidComponent(t *testing.T) {
	assert.True(t, keys.ValidComponent("concert-42"))
	assert.True(t, keys.ValidComponent(""))
	for _, bad := range []string{"x#y", "a|b", "nul\x00"} {
		assert.False(t, keys.ValidComponent(bad), bad)
	}
}
