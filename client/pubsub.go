package client

import (
	"encoding/json"
	"fmt"

	"github.com/mbocsi/gorti/proto"
	"github.com/mbocsi/gorti/router"
)

// Data types announced for channels published with the helpers below.
const (
	DataTypeText = "text"
	DataTypeJSON = "json"
)

// Subscribe adds a listener to a channel and records that this client subscribes to it.
func (c *Client) Subscribe(channel string, handler func(Message) error) (*Subscription, error) {
	return c.subscribe(channel, "", handler)
}

func (c *Client) subscribe(channel, dataType string, handler func(Message) error) (*Subscription, error) {
	sub, err := c.router.Subscribe(channel, router.Handler(handler))
	if err != nil {
		c.reportError(router.SourceUsage, err)
		return nil, err
	}
	c.registry.RegisterChannelUsage(channel, false, dataType)
	return sub, nil
}

// SubscribeText delivers the raw content of every publication.
func (c *Client) SubscribeText(channel string, handler func(content string)) (*Subscription, error) {
	return c.Subscribe(channel, func(m Message) error {
		handler(m.Content)
		return nil
	})
}

// SubscribeJSON decodes every publication on channel into T. Decoding
// failures are raised on the Error signal with the channel as source.
func SubscribeJSON[T any](c *Client, channel string, handler func(T) error) (*Subscription, error) {
	return SubscribeCodec(c, channel, proto.JSONCodec{}, handler)
}

// SubscribeCodec decodes every publication on channel with codec.
func SubscribeCodec[T any](c *Client, channel string, codec proto.Codec, handler func(T) error) (*Subscription, error) {
	return c.subscribe(channel, codec.Name(), func(m Message) error {
		var v T
		if err := codec.Decode(m.Content, &v); err != nil {
			return err
		}
		return handler(v)
	})
}

// Unsubscribe removes one listener. The channel stays in use by this client.
func (c *Client) Unsubscribe(sub *Subscription) bool {
	return c.router.Unsubscribe(sub)
}

// Publish sends opaque content on a channel. It fails until the client has
// connected once; afterwards content is queued while reconnecting.
func (c *Client) Publish(channel, content string) error {
	return c.publish(channel, "", content)
}

func (c *Client) PublishText(channel, text string) error {
	return c.publish(channel, DataTypeText, text)
}

func (c *Client) PublishJSON(channel string, v any) error {
	return c.PublishCodec(channel, proto.JSONCodec{}, v)
}

// PublishCodec encodes v with codec and announces the codec's name as the channel data type.
func (c *Client) PublishCodec(channel string, codec proto.Codec, v any) error {
	content, err := codec.Encode(v)
	if err != nil {
		c.reportError(router.SourceUsage, err)
		return err
	}
	return c.publish(channel, codec.Name(), content)
}

func (c *Client) publish(channel, dataType, content string) error {
	if err := proto.ValidateChannelName(channel); err != nil {
		c.reportError(router.SourceUsage, err)
		return err
	}
	c.registry.RegisterChannelUsage(channel, true, dataType)
	return c.router.Publish(channel, content)
}

// SendBinary sends a binary frame outside of any channel.
func (c *Client) SendBinary(data []byte) error {
	return c.conn.SendBinary(data)
}

// RegisterChannel declares a channel and announces its definition.
func (c *Client) RegisterChannel(ch Channel) {
	c.registry.RegisterChannel(ch)
}

func (c *Client) RegisterChannelUsage(channel string, publish bool, dataType string) {
	c.registry.RegisterChannelUsage(channel, publish, dataType)
}

// UnregisterChannel stops reporting usage of a channel. Listeners are not removed.
func (c *Client) UnregisterChannel(channel string) bool {
	return c.registry.UnregisterChannel(channel)
}

// PublishError reports an application error to the network.
func (c *Client) PublishError(message string) error {
	return c.publishReport(proto.ChannelError, proto.ErrorReport{
		ClientID:    c.cfg.ClientID,
		Application: c.cfg.Application,
		Message:     message,
	})
}

func (c *Client) PublishHeartbeat() error {
	return c.publishReport(proto.ChannelHeartbeat, proto.Heartbeat{
		ClientID:    c.cfg.ClientID,
		Application: c.cfg.Application,
		State:       c.State(),
	})
}

// PublishProgress reports progress as a percentage.
func (c *Client) PublishProgress(percent int) error {
	return c.publishReport(proto.ChannelProgress, proto.Progress{ClientID: c.cfg.ClientID, Value: percent})
}

// PublishValue reports a free form status value, optionally highlighted or flagged as an error.
func (c *Client) PublishValue(value any, highlight, isError bool) error {
	return c.publishReport(proto.ChannelValue, proto.ValueReport{
		ClientID:  c.cfg.ClientID,
		Value:     fmt.Sprint(value),
		Highlight: highlight,
		Error:     isError,
	})
}

func (c *Client) publishReport(channel string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.router.Publish(channel, string(data))
}
