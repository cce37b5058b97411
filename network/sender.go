/*
Package network implements reliable delivery of signed messages on top
of the conn transport. Every send returns a cancel handler; a send keeps
retrying with backoff until it succeeds or its handler is cancelled.
*/
package network

import (
	"sync"
	"time"

	"github.com/dagmesh/certdag/conn"
	"github.com/hashicorp/go-hclog"
)

const (
	retryBaseDelay = 50 * time.Millisecond
	retryMaxDelay  = 2 * time.Second
)

// CancelHandler cancels one pending send. Dropping a handler without
// cancelling it lets the send run to completion.
type CancelHandler struct {
	cancelCh chan struct{}
	once     sync.Once
}

// NewCancelHandler creates an unattached handler. Senders create their
// own; this is for callers standing in for a sender.
func NewCancelHandler() *CancelHandler {
	return &CancelHandler{cancelCh: make(chan struct{})}
}

// Cancel aborts the pending send. Safe to call more than once.
func (h *CancelHandler) Cancel() {
	h.once.Do(func() {
		close(h.cancelCh)
	})
}

// ReliableSender sends framed messages to other primaries, retrying
// transient transport failures until cancelled.
type ReliableSender struct {
	trans  *conn.NetworkTransport
	logger hclog.Logger
}

// NewReliableSender wraps the transport.
func NewReliableSender(trans *conn.NetworkTransport, logger hclog.Logger) *ReliableSender {
	if logger == nil {
		logger = hclog.New(&hclog.LoggerOptions{
			Name:   "certdag-sender",
			Output: hclog.DefaultOutput,
			Level:  hclog.DefaultLevel,
		})
	}
	return &ReliableSender{
		trans:  trans,
		logger: logger,
	}
}

// Send delivers one message to the target address in the background and
// returns immediately with its cancel handler.
func (s *ReliableSender) Send(target string, tag uint8, msg interface{}, sig []byte) *CancelHandler {
	handler := &CancelHandler{cancelCh: make(chan struct{})}
	go s.deliver(target, tag, msg, sig, handler)
	return handler
}

// Broadcast delivers one message to every target address and returns the
// cancel handlers of all pending sends.
func (s *ReliableSender) Broadcast(targets []string, tag uint8, msg interface{}, sig []byte) []*CancelHandler {
	handlers := make([]*CancelHandler, 0, len(targets))
	for _, target := range targets {
		handlers = append(handlers, s.Send(target, tag, msg, sig))
	}
	return handlers
}

func (s *ReliableSender) deliver(target string, tag uint8, msg interface{}, sig []byte, handler *CancelHandler) {
	delay := retryBaseDelay
	for {
		select {
		case <-handler.cancelCh:
			return
		default:
		}

		if err := s.attempt(target, tag, msg, sig); err == nil {
			return
		} else if s.trans.IsShutdown() {
			return
		} else {
			s.logger.Debug("send failed, will retry", "target", target, "error", err)
		}

		select {
		case <-handler.cancelCh:
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
}

func (s *ReliableSender) attempt(target string, tag uint8, msg interface{}, sig []byte) error {
	netConn, err := s.trans.GetConn(target)
	if err != nil {
		return err
	}
	if err := conn.SendMsg(netConn, tag, msg, sig); err != nil {
		return err
	}
	return s.trans.ReturnConn(netConn)
}
