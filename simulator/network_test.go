package simulator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNodes(t *testing.T) {
	nodes := NewNodes(3)
	require.Len(t, nodes, 3)
	for i, node := range nodes {
		assert.Equal(t, i, node.ID)
	}
	assert.NotSame(t, NewNode(), NewNode())
}

func TestRandomNetworkDelay(t *testing.T) {
	loop := NewEventLoop()
	nodes := NewNodes(2)
	src, dst := nodes[0].Port(loop), nodes[1].Port(loop)
	network := RandomNetwork{MaxDelay: 0.5}
	loop.Go(func(h *Handle) {
		for i := 0; i < 10; i++ {
			network.Send(h, &Message{Source: src, Dest: dst, Message: i, Size: 1})
		}
	})
	loop.Go(func(h *Handle) {
		for i := 0; i < 10; i++ {
			dst.Recv(h)
		}
	})
	require.NoError(t, loop.Run())
	assert.LessOrEqual(t, loop.Time(), 0.5)
}

func TestSwitchedNetworkExchange(t *testing.T) {
	loop := NewEventLoop()
	nodes := NewNodes(2)
	ports := []*Port{nodes[0].Port(loop), nodes[1].Port(loop)}
	network := NewSwitchedNetwork(NewFairShareSwitcher(2, 2), nodes, 3)

	for i, port := range ports {
		peer := ports[1-i]
		loop.Go(func(h *Handle) {
			network.Send(h, &Message{Source: port, Dest: peer, Message: i, Size: 124})
			assert.Equal(t, 1-i, port.Recv(h).Message)
		})
	}
	require.NoError(t, loop.Run())
	assert.Equal(t, 124.0/2.0+3.0, loop.Time())
}

func TestSwitchedNetworkOversubscribed(t *testing.T) {
	loop := NewEventLoop()
	const rate = 4.0
	nodes := NewNodes(2)
	port1, port2 := nodes[0].Port(loop), nodes[1].Port(loop)
	network := NewSwitchedNetwork(NewFairShareSwitcher(2, rate), nodes, 2)

	loop.Go(func(h *Handle) {
		network.Send(h, &Message{Source: port1, Dest: port2, Message: "first", Size: 123})
		network.Send(h, &Message{Source: port1, Dest: port2, Message: "second", Size: 124})
		assert.Equal(t, "reply", port1.Recv(h).Message)
		assert.Equal(t, 1.0+2.0+124.0/rate, h.Time())
	})
	loop.Go(func(h *Handle) {
		// Joining while the other messages are in flight
		// forces them to be replanned.
		h.Sleep(1)
		network.Send(h, &Message{Source: port2, Dest: port1, Message: "reply", Size: 124})

		// The two outgoing messages share node 1's uplink.
		assert.Equal(t, "first", port2.Recv(h).Message)
		expected := 2.0 + 2.0*123.0/rate
		assert.Equal(t, expected, h.Time())
		assert.Equal(t, "second", port2.Recv(h).Message)
		assert.Equal(t, expected+1.0/rate, h.Time())
	})
	require.NoError(t, loop.Run())
	assert.Equal(t, 2.0+2.0*123.0/rate+1.0/rate, loop.Time())

	// Nothing else was delivered.
	for _, port := range []*Port{port1, port2} {
		loop.Go(func(h *Handle) {
			h.Poll(port.Incoming)
		})
		assert.ErrorIs(t, loop.Run(), ErrDeadlock)
	}
}

func TestFaultyNetworkDropsDownNodes(t *testing.T) {
	loop := NewEventLoop()
	nodes := NewNodes(3)
	port1, port2, port3 := nodes[0].Port(loop), nodes[1].Port(loop), nodes[2].Port(loop)
	network := NewFaultyNetwork(RandomNetwork{})
	network.SetDown(nodes[1], true)

	loop.Go(func(h *Handle) {
		network.Send(h,
			&Message{Source: port1, Dest: port2, Message: "lost", Size: 1},
			&Message{Source: port1, Dest: port3, Message: "kept", Size: 1},
		)
	})
	loop.Go(func(h *Handle) {
		assert.Equal(t, "kept", port3.Recv(h).Message)
	})
	loop.Go(func(h *Handle) {
		assert.Nil(t, h.PollTimeout(5, port2.Incoming))
	})
	require.NoError(t, loop.Run())
	assert.Equal(t, 1, network.Dropped())

	network.SetDown(nodes[1], false)
	loop.Go(func(h *Handle) {
		network.Send(h, &Message{Source: port1, Dest: port2, Message: "back", Size: 1})
	})
	loop.Go(func(h *Handle) {
		assert.Equal(t, "back", port2.Recv(h).Message)
	})
	require.NoError(t, loop.Run())
}
