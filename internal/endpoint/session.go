package endpoint

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimbusdesk/core/internal/coreerr"
	"github.com/nimbusdesk/core/internal/transport"
	"github.com/nimbusdesk/core/internal/wire"
)

// Default channel depths per spec §4.6/§6. dispatch never blocks on a full
// push channel: video, audio and cursor drop the oldest queued message to
// make room, input and file-transfer drop the incoming message.
const (
	DefaultVideoChanDepth        = 180
	DefaultAudioChanDepth        = 180
	DefaultControlChanDepth      = 32
	DefaultInputChanDepth        = 64
	DefaultFileTransferChanDepth = 64
	DefaultCursorChanDepth       = 32
)

// RequestHandler answers an inbound request-shaped EndpointMessage (e.g.
// NegotiateDesktopParamsRequest, DirectoryRequest) and returns the reply
// to send back.
type RequestHandler func(req wire.Message) (wire.Message, error)

// Session sits above the transport and handshake layers, dispatching
// inbound EndpointMessages by tag: replies routed by correlation id,
// pushes delivered to kind-specific channels, requests invoked through a
// registered handler.
type Session struct {
	conn transport.FrameConn

	writeMu sync.Mutex // serializes the single writer task's sends

	mu       sync.Mutex
	pending  map[uint64]chan wire.Message
	handlers map[wire.Kind]RequestHandler
	nextCall atomic.Uint64

	videoCh        chan wire.VideoFrame
	audioCh        chan wire.AudioFrame
	inputCh        chan wire.Input
	fileTransferCh chan wire.Message // FileTransferBlock or FileTransferTerminate
	cursorCh       chan wire.CursorStream

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSession wraps conn (either transport flavor — TCP-backed Conn or
// UDP-backed PacketConn) in a Session. Call Run in its own goroutine to
// start the single inbound reader task.
func NewSession(conn transport.FrameConn) *Session {
	return &Session{
		conn:           conn,
		pending:        make(map[uint64]chan wire.Message),
		handlers:       make(map[wire.Kind]RequestHandler),
		videoCh:        make(chan wire.VideoFrame, DefaultVideoChanDepth),
		audioCh:        make(chan wire.AudioFrame, DefaultAudioChanDepth),
		inputCh:        make(chan wire.Input, DefaultInputChanDepth),
		fileTransferCh: make(chan wire.Message, DefaultFileTransferChanDepth),
		cursorCh:       make(chan wire.CursorStream, DefaultCursorChanDepth),
		closed:         make(chan struct{}),
	}
}

// HandleRequests registers the handler invoked for inbound messages of
// kind. There is one handler per kind; registering again replaces it.
func (s *Session) HandleRequests(kind wire.Kind, handler RequestHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[kind] = handler
}

// Send serializes and enqueues message to the outbound channel (here, a
// direct framed write — the writer task is this call, serialized by
// writeMu so concurrent Send calls from multiple goroutines still produce
// one message at a time on the wire, matching spec §5's single-writer
// ordering guarantee). Carries call id 0: pushes and handler replies don't
// correlate to an in-flight Call.
func (s *Session) Send(msg wire.Message) error {
	return s.sendWithCallID(msg, 0)
}

func (s *Session) sendWithCallID(msg wire.Message, callID uint64) error {
	data, err := wire.Encode(msg, callID)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.Send(data); err != nil {
		return coreerr.Wrap(coreerr.OutgoingChannelDisconnect, "endpoint.Session.Send", err)
	}
	return nil
}

// Call assigns a call id, registers a one-shot responder keyed by it,
// sends the request tagged with that id, and waits up to timeout for the
// reply carrying the same id — mirroring the EndPointMessagePacket{call_id,
// message} envelope the original implementation wraps every message in,
// so a reply always routes back to the waiter that sent its matching
// request even with several calls in flight at once. On timeout, the
// responder is unregistered and Timeout is returned; no late reply can
// then be observed by this call (dispatch drops replies with no
// registered waiter for their call id).
func (s *Session) Call(req wire.Message, replyKind wire.Kind, timeout time.Duration) (wire.Message, error) {
	id := s.nextCall.Add(1)
	ch := make(chan wire.Message, 1)

	s.mu.Lock()
	s.pending[id] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, id)
		s.mu.Unlock()
	}()

	if err := s.sendWithCallID(req, id); err != nil {
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, coreerr.New(coreerr.Closed, "endpoint.Session.Call: session closed while waiting for reply")
		}
		if reply.Kind() != replyKind {
			return nil, coreerr.New(coreerr.Other, fmt.Sprintf("endpoint.Session.Call: got %s, want %s", reply.Kind(), replyKind))
		}
		return reply, nil
	case <-time.After(timeout):
		return nil, coreerr.New(coreerr.Timeout, "endpoint.Session.Call: timed out waiting for reply")
	case <-s.closed:
		return nil, coreerr.New(coreerr.Closed, "endpoint.Session.Call: session closed")
	}
}

// SubscribeVideo returns the lazy sequence of decoded video frames. At
// most one subscriber is expected per spec §4.6; callers that need
// exclusivity enforcement do so at the orchestrator layer.
func (s *Session) SubscribeVideo() <-chan wire.VideoFrame { return s.videoCh }

// SubscribeAudio returns the lazy sequence of decoded audio frames.
func (s *Session) SubscribeAudio() <-chan wire.AudioFrame { return s.audioCh }

// SubscribeInput returns the lazy sequence of inbound Input pushes
// (mouse/keyboard events), delivered to the passive side per spec §4.10.
func (s *Session) SubscribeInput() <-chan wire.Input { return s.inputCh }

// SubscribeFileTransfer returns the lazy sequence of inbound
// FileTransferBlock/FileTransferTerminate pushes, demultiplexed by id at
// the internal/filetransfer layer per spec §4.12.
func (s *Session) SubscribeFileTransfer() <-chan wire.Message { return s.fileTransferCh }

// SubscribeCursor returns the lazy sequence of inbound CursorStream
// pushes, the optional cursor-position side channel (§6 supplement).
func (s *Session) SubscribeCursor() <-chan wire.CursorStream { return s.cursorCh }

// Run is the single inbound reader task: reads frames, decodes them into
// wire.Message values, and dispatches by kind. Runs until the connection
// closes or Shutdown is called.
func (s *Session) Run() error {
	for {
		data, err := s.conn.Recv()
		if err != nil {
			s.Shutdown()
			return err
		}
		msg, callID, err := wire.Decode(data)
		if err != nil {
			log.Warn("dropping undecodable message", "error", err)
			continue
		}
		s.dispatch(msg, callID)
	}
}

func (s *Session) dispatch(msg wire.Message, callID uint64) {
	switch m := msg.(type) {
	case wire.VideoFrame:
		select {
		case s.videoCh <- m:
		default:
			// Hard drop zone: discard the oldest queued frame and push the
			// new one, so subscribers never block on a stalled decoder.
			select {
			case <-s.videoCh:
			default:
			}
			select {
			case s.videoCh <- m:
			default:
			}
		}
		return
	case wire.AudioFrame:
		select {
		case s.audioCh <- m:
		default:
			select {
			case <-s.audioCh:
			default:
			}
			select {
			case s.audioCh <- m:
			default:
			}
		}
		return
	case wire.Input:
		select {
		case s.inputCh <- m:
		default:
			log.Warn("input channel full, dropping event batch")
		}
		return
	case wire.FileTransferBlock:
		select {
		case s.fileTransferCh <- m:
		default:
			log.Warn("file transfer channel full, dropping block", "id", m.ID)
		}
		return
	case wire.FileTransferTerminate:
		select {
		case s.fileTransferCh <- m:
		default:
			log.Warn("file transfer channel full, dropping terminate", "id", m.ID)
		}
		return
	case wire.CursorStream:
		select {
		case s.cursorCh <- m:
		default:
			select {
			case <-s.cursorCh:
			default:
			}
			select {
			case s.cursorCh <- m:
			default:
			}
		}
		return
	}

	s.mu.Lock()
	handler, hasHandler := s.handlers[msg.Kind()]
	s.mu.Unlock()

	if hasHandler {
		reply, err := handler(msg)
		if err != nil {
			log.Warn("request handler failed", "kind", msg.Kind(), "error", err)
			return
		}
		if reply != nil {
			// Echo the request's call id back on the reply so the peer's
			// Call can match it to the right waiter.
			if err := s.sendWithCallID(reply, callID); err != nil {
				log.Warn("failed to send reply", "kind", reply.Kind(), "error", err)
			}
		}
		return
	}

	// Otherwise this is a reply to an in-flight Call: route by call id,
	// mirroring the call_id field the EndPointMessagePacket envelope
	// carries so a reply only ever reaches the waiter whose request it
	// actually answers, even with several calls in flight at once.
	s.mu.Lock()
	waiter, found := s.pending[callID]
	s.mu.Unlock()

	if !found {
		log.Warn("dropping reply with no matching in-flight call", "kind", msg.Kind(), "callID", callID)
		return
	}

	select {
	case waiter <- msg:
	default:
	}
}

// Shutdown idempotently closes the transport, unblocks all in-flight
// calls with coreerr.Closed, and releases resources.
func (s *Session) Shutdown() {
	s.closeOnce.Do(func() {
		close(s.closed)
		s.conn.Close()
		s.mu.Lock()
		for id, ch := range s.pending {
			close(ch)
			delete(s.pending, id)
		}
		s.mu.Unlock()
	})
}
