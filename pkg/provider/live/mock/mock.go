// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable streams.
// Use Stream to inject inbound messages in a fixed order and to inspect which
// audio chunks the code under test sent.
//
// Example:
//
//	p := &mock.Provider{}
//	s, _ := p.Connect(ctx, cfg)
//	p.Last().Deliver(live.Message{OutputText: "Hel"})
//	p.Last().Deliver(live.Message{TurnComplete: true})
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/elevated/pkg/audio"
	"github.com/MrWong99/elevated/pkg/provider/live"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectDelay blocks Connect until it elapses or ctx is cancelled.
	ConnectDelay time.Duration

	// ProviderCapabilities is returned by Capabilities. A zero value yields
	// 16 kHz input and 24 kHz output.
	ProviderCapabilities live.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Streams holds every stream handed out by Connect in order.
	Streams []*Stream
}

// Connect records the call and returns a fresh [Stream] or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Stream, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	delay, connectErr := p.ConnectDelay, p.ConnectErr
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if connectErr != nil {
		return nil, connectErr
	}

	s := NewStream()
	p.mu.Lock()
	p.Streams = append(p.Streams, s)
	p.mu.Unlock()
	return s, nil
}

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() live.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProviderCapabilities.InputSampleRate == 0 {
		return live.Capabilities{InputSampleRate: 16000, OutputSampleRate: 24000}
	}
	return p.ProviderCapabilities
}

// Last returns the most recently created stream, or nil.
func (p *Provider) Last() *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Streams) == 0 {
		return nil
	}
	return p.Streams[len(p.Streams)-1]
}

// Calls returns the number of Connect invocations so far.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// Ensure Provider implements live.Provider at compile time.
var _ live.Provider = (*Provider)(nil)

// Stream is a mock implementation of live.Stream.
type Stream struct {
	sendMu   sync.RWMutex
	messages chan live.Message
	done     chan struct{}
	endOnce  sync.Once

	mu sync.Mutex

	// SendErr, if non-nil, is returned by every Send call.
	SendErr error

	// SendCalls records every chunk passed to Send, in order.
	SendCalls []audio.EncodedChunk

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int

	errVal error
}

// NewStream returns an open stream with an unbuffered message channel, so
// each [Stream.Deliver] returns only after the consumer has received it.
func NewStream() *Stream {
	return &Stream{
		messages: make(chan live.Message),
		done:     make(chan struct{}),
	}
}

// Deliver hands m to the consumer, blocking until it is received or the
// stream ends. It reports whether the message was delivered.
func (s *Stream) Deliver(m live.Message) bool {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.messages <- m:
		return true
	case <-s.done:
		return false
	}
}

// Fail ends the stream as if the connection had dropped with err.
func (s *Stream) Fail(err error) {
	s.mu.Lock()
	if s.errVal == nil {
		s.errVal = err
	}
	s.mu.Unlock()
	s.end()
}

func (s *Stream) end() {
	s.endOnce.Do(func() {
		close(s.done)
		s.sendMu.Lock()
		close(s.messages)
		s.sendMu.Unlock()
	})
}

// Send records the chunk and returns SendErr.
func (s *Stream) Send(_ context.Context, chunk audio.EncodedChunk) error {
	select {
	case <-s.done:
		return fmt.Errorf("mock: send: %w", live.ErrStreamClosed)
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk.Data))
	copy(cp, chunk.Data)
	s.SendCalls = append(s.SendCalls, audio.EncodedChunk{Data: cp, MIMEType: chunk.MIMEType})
	return s.SendErr
}

// Sent returns a copy of the recorded Send calls.
func (s *Stream) Sent() []audio.EncodedChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audio.EncodedChunk, len(s.SendCalls))
	copy(out, s.SendCalls)
	return out
}

// Messages returns the inbound message channel.
func (s *Stream) Messages() <-chan live.Message { return s.messages }

// Err returns the error passed to Fail, if any.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close records the call and ends the stream.
func (s *Stream) Close() error {
	s.mu.Lock()
	s.CloseCallCount++
	s.mu.Unlock()
	s.end()
	return nil
}

// Closed reports whether the stream has ended.
func (s *Stream) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// CloseCalls returns how many times Close was called.
func (s *Stream) CloseCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

// Ensure Stream implements live.Stream at compile time.
var _ live.Stream = (*Stream)(nil)
