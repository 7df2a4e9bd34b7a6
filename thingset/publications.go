package thingset

import (
	"fmt"
	"maps"

	"github.com/notnil/thingset/internal/observability"
	"github.com/notnil/thingset/isotp"
	"github.com/notnil/thingset/packet"
)

// Subscribe accepts publications from source. Its store entry exists, empty,
// from this call on.
func (c *Client) Subscribe(source packet.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.store[source]; !ok {
		c.store[source] = make(map[packet.DataObjectID]any)
	}
}

// SetPublicationCallback registers fn for every accepted publication; nil
// removes it.
func (c *Client) SetPublicationCallback(fn PublicationFunc) {
	c.mu.Lock()
	c.callback = fn
	c.mu.Unlock()
}

// Publications returns a copy of the latest values published by source and
// whether source is subscribed.
func (c *Client) Publications(source packet.Address) (map[packet.DataObjectID]any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.store[source]
	if !ok {
		return nil, false
	}
	return maps.Clone(entry), true
}

// Publication returns the latest value of one data object.
func (c *Client) Publication(source packet.Address, id packet.DataObjectID) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.store[source][id]
	return v, ok
}

func (c *Client) handlePublication(msg isotp.Message) {
	c.mu.RLock()
	_, subscribed := c.store[msg.Source]
	c.mu.RUnlock()
	if !subscribed {
		return
	}
	v, err := c.codec.decode(msg.Data)
	if err != nil {
		observability.RecordDiscarded("codec")
		c.log.Warn().Err(err).Uint8("src", uint8(msg.Source)).
			Uint16("id", uint16(msg.DataObjectID)).Msg("publication discarded")
		return
	}

	c.mu.Lock()
	if entry, ok := c.store[msg.Source]; ok {
		entry[msg.DataObjectID] = v
	}
	fn := c.callback
	c.mu.Unlock()

	observability.RecordPublication(fmt.Sprintf("0x%02X", uint8(msg.Source)))
	if fn != nil {
		fn(msg.Source, msg.DataObjectID, v)
	}
}
