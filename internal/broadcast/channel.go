package broadcast

import (
	"errors"
	"sync"
)

// ErrChannelClosed is returned by Publish and Subscribe after Close.
var ErrChannelClosed = errors.New("broadcast: channel is closed")

// Channel is the message fabric the worker envelopes travel on. Every
// subscriber sees every message, its own publishes included; dispatchers
// filter by shape and targeting.
type Channel interface {
	Publish(data []byte) error
	Subscribe(handler func(data []byte)) (Subscription, error)
	Close() error
}

// Subscription is one live handler registration on a Channel. Unsubscribe
// detaches the handler without closing the channel.
type Subscription interface {
	Unsubscribe() error
}

// LocalChannel is the in-process Channel used for single-binary runs and
// tests. Delivery is synchronous, so a publish returns after every
// subscriber has run.
type LocalChannel struct {
	mu     sync.RWMutex
	subs   []*localSubscription
	closed bool
}

type localSubscription struct {
	channel *LocalChannel
	handler func(data []byte)
}

func (s *localSubscription) Unsubscribe() error {
	s.channel.mu.Lock()
	defer s.channel.mu.Unlock()
	for i, sub := range s.channel.subs {
		if sub == s {
			s.channel.subs = append(s.channel.subs[:i], s.channel.subs[i+1:]...)
			break
		}
	}
	return nil
}

// NewLocalChannel creates an empty channel.
func NewLocalChannel() *LocalChannel {
	return &LocalChannel{}
}

func (c *LocalChannel) Publish(data []byte) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrChannelClosed
	}
	handlers := make([]func([]byte), len(c.subs))
	for i, sub := range c.subs {
		handlers[i] = sub.handler
	}
	c.mu.RUnlock()

	for _, h := range handlers {
		h(data)
	}
	return nil
}

func (c *LocalChannel) Subscribe(handler func(data []byte)) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrChannelClosed
	}
	sub := &localSubscription{channel: c, handler: handler}
	c.subs = append(c.subs, sub)
	return sub, nil
}

func (c *LocalChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = nil
	c.closed = true
	return nil
}
