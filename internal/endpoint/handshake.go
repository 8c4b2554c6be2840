// Package endpoint implements the Endpoint Handshake (C3) and Endpoint
// Session (C6): the request/response identity check that follows dialing
// the framed transport, and the session object built on top of it that
// exposes send/call/subscribe/shutdown, correlating replies to requests by
// call id over wire.Message frames on a transport.FrameConn (TCP-backed
// Conn or UDP-backed PacketConn).
package endpoint

import (
	"fmt"
	"time"

	"github.com/nimbusdesk/core/internal/coreerr"
	"github.com/nimbusdesk/core/internal/logging"
	"github.com/nimbusdesk/core/internal/transport"
	"github.com/vmihailenco/msgpack/v5"
)

var log = logging.L("endpoint")

// HandshakeTimeout is the fixed receive timeout for the handshake
// response, per spec §6.
const HandshakeTimeout = 10 * time.Second

// HandshakeRequest is the active side's opening message.
type HandshakeRequest struct {
	VisitCredentials []byte
	DeviceID         int64
}

// HandshakeResponse is the passive side's reply.
type HandshakeResponse struct {
	RemoteDeviceID int64
}

// DoActiveHandshake sends a HandshakeRequest over conn and waits up to
// HandshakeTimeout for a HandshakeResponse whose RemoteDeviceID matches
// expectedRemoteDeviceID. A mismatch or timeout closes the session to the
// caller (it does not close conn itself; callers do that).
func DoActiveHandshake(conn transport.FrameConn, credentials []byte, localDeviceID, expectedRemoteDeviceID int64) error {
	req := HandshakeRequest{VisitCredentials: credentials, DeviceID: localDeviceID}
	body, err := msgpack.Marshal(req)
	if err != nil {
		return coreerr.Wrap(coreerr.Serialization, "endpoint.DoActiveHandshake: marshal request", err)
	}
	if err := conn.Send(body); err != nil {
		return coreerr.Wrap(coreerr.IO, "endpoint.DoActiveHandshake: send", err)
	}

	type result struct {
		resp HandshakeResponse
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := conn.Recv()
		if err != nil {
			ch <- result{err: err}
			return
		}
		var resp HandshakeResponse
		if err := msgpack.Unmarshal(data, &resp); err != nil {
			ch <- result{err: coreerr.Wrap(coreerr.Serialization, "endpoint.DoActiveHandshake: unmarshal response", err)}
			return
		}
		ch <- result{resp: resp}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return r.err
		}
		if r.resp.RemoteDeviceID != expectedRemoteDeviceID {
			return coreerr.New(coreerr.HandshakeMismatch, fmt.Sprintf("endpoint.DoActiveHandshake: remote_device_id %d != expected %d", r.resp.RemoteDeviceID, expectedRemoteDeviceID))
		}
		return nil
	case <-time.After(HandshakeTimeout):
		return coreerr.New(coreerr.Timeout, "endpoint.DoActiveHandshake: no response within handshake timeout")
	}
}

// DoPassiveHandshake waits up to HandshakeTimeout for a HandshakeRequest
// and replies with a HandshakeResponse carrying localDeviceID. Returns the
// verified EndpointId pieces (remote device id, credentials) for the
// caller to validate against the Portal-issued credentials.
func DoPassiveHandshake(conn transport.FrameConn, localDeviceID int64) (HandshakeRequest, error) {
	type result struct {
		req HandshakeRequest
		err error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := conn.Recv()
		if err != nil {
			ch <- result{err: err}
			return
		}
		var req HandshakeRequest
		if err := msgpack.Unmarshal(data, &req); err != nil {
			ch <- result{err: coreerr.Wrap(coreerr.Serialization, "endpoint.DoPassiveHandshake: unmarshal request", err)}
			return
		}
		ch <- result{req: req}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return HandshakeRequest{}, r.err
		}
		resp := HandshakeResponse{RemoteDeviceID: localDeviceID}
		body, err := msgpack.Marshal(resp)
		if err != nil {
			return HandshakeRequest{}, coreerr.Wrap(coreerr.Serialization, "endpoint.DoPassiveHandshake: marshal response", err)
		}
		if err := conn.Send(body); err != nil {
			return HandshakeRequest{}, coreerr.Wrap(coreerr.IO, "endpoint.DoPassiveHandshake: send response", err)
		}
		return r.req, nil
	case <-time.After(HandshakeTimeout):
		return HandshakeRequest{}, coreerr.New(coreerr.Timeout, "endpoint.DoPassiveHandshake: no request within handshake timeout")
	}
}
