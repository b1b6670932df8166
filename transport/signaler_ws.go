// Copyright 2026 The Peerlift Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
)

// Compile-time interface check.
var _ Signaler = (*WebSocketSignaler)(nil)

// wsWriteTimeout bounds each frame write.
const wsWriteTimeout = 10 * time.Second

// wsPingInterval keeps the connection alive through idle periods.
const wsPingInterval = 30 * time.Second

// wsFrame is the wire envelope: a routed SignalMessage, CBOR-encoded.
type wsFrame struct {
	To      string        `cbor:"to"`
	From    string        `cbor:"from"`
	Message SignalMessage `cbor:"message"`
}

// WebSocketSignaler exchanges SignalMessages with peers through an
// external signaling server over a single websocket. Frames are CBOR
// encoded. Inbound messages are read continuously into queues that
// Poll* drains, matching the poll-based Signaler contract.
//
// Dial errors surface to the caller; the signaler does not retry
// hidden — retry policy belongs to the lifecycle layer.
type WebSocketSignaler struct {
	localID string
	logger  *slog.Logger
	conn    *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	offers  []SignalMessage
	answers []SignalMessage

	closed    chan struct{}
	closeOnce sync.Once
}

// DialWebSocketSignaler connects to the signaling server and
// registers localID by sending an initial hello frame addressed to
// the server. The read loop and keepalive run until Close.
func DialWebSocketSignaler(ctx context.Context, serverURL, localID string, logger *slog.Logger) (*WebSocketSignaler, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dialing signaling server %s: %w", serverURL, err)
	}

	signaler := &WebSocketSignaler{
		localID: localID,
		logger:  logger,
		conn:    conn,
		closed:  make(chan struct{}),
	}

	// Hello frame: the server learns which peer id this socket serves.
	if err := signaler.writeFrame(wsFrame{From: localID}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("registering with signaling server: %w", err)
	}

	go signaler.readLoop()
	go signaler.keepalive()
	return signaler, nil
}

// Close shuts the websocket down. Pending queued messages remain
// drainable.
func (s *WebSocketSignaler) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.conn.Close()
}

func (s *WebSocketSignaler) PublishOffer(_ context.Context, localID, peerID string, message SignalMessage) error {
	message.PeerID = localID
	message.Kind = SignalOffer
	return s.writeFrame(wsFrame{To: peerID, From: localID, Message: message})
}

func (s *WebSocketSignaler) PublishAnswer(_ context.Context, offererID, localID string, message SignalMessage) error {
	message.PeerID = localID
	message.Kind = SignalAnswer
	return s.writeFrame(wsFrame{To: offererID, From: localID, Message: message})
}

func (s *WebSocketSignaler) PollOffers(_ context.Context, localID string) ([]SignalMessage, error) {
	if localID != s.localID {
		return nil, fmt.Errorf("signaler serves %q, not %q", s.localID, localID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.offers
	s.offers = nil
	return pending, nil
}

func (s *WebSocketSignaler) PollAnswers(_ context.Context, localID string) ([]SignalMessage, error) {
	if localID != s.localID {
		return nil, fmt.Errorf("signaler serves %q, not %q", s.localID, localID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	pending := s.answers
	s.answers = nil
	return pending, nil
}

// writeFrame CBOR-encodes and sends one frame. gorilla permits one
// concurrent writer, hence the write mutex.
func (s *WebSocketSignaler) writeFrame(frame wsFrame) error {
	payload, err := cbor.Marshal(frame)
	if err != nil {
		return fmt.Errorf("encoding signal frame: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
		return fmt.Errorf("writing signal frame: %w", err)
	}
	return nil
}

// readLoop decodes inbound frames into the offer and answer queues
// until the socket closes.
func (s *WebSocketSignaler) readLoop() {
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.closed:
			default:
				s.logger.Warn("signaling read failed", "error", err)
			}
			return
		}

		var frame wsFrame
		if err := cbor.Unmarshal(payload, &frame); err != nil {
			s.logger.Warn("discarding malformed signal frame", "error", err)
			continue
		}

		s.mu.Lock()
		switch frame.Message.Kind {
		case SignalOffer:
			s.offers = append(s.offers, frame.Message)
		case SignalAnswer:
			s.answers = append(s.answers, frame.Message)
		default:
			s.logger.Warn("discarding signal frame with unknown kind",
				"kind", string(frame.Message.Kind),
			)
		}
		s.mu.Unlock()
	}
}

// keepalive pings the server through idle periods so intermediaries
// keep the socket open.
func (s *WebSocketSignaler) keepalive() {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				s.logger.Warn("signaling keepalive failed", "error", err)
				return
			}
		}
	}
}
