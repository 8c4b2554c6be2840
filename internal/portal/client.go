// Package portal implements the Portal Client (C4): connect/register/visit
// RPCs over a length-framed TLS TCP connection, plus a long-lived
// subscribe stream (see subscribe.go) pushing VisitRequest/
// KeyExchangeRequest events to the passive side. TLS setup goes through
// internal/mtls's cert/config loading.
package portal

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nimbusdesk/core/internal/coreerr"
	"github.com/nimbusdesk/core/internal/keyexchange"
	"github.com/nimbusdesk/core/internal/logging"
	"github.com/nimbusdesk/core/internal/mtls"
	"github.com/nimbusdesk/core/internal/transport"
	"github.com/nimbusdesk/core/pkg/model"
)

var log = logging.L("portal")

const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

// ServerConfig is the Portal's self-description, returned by
// GetServerConfig.
type ServerConfig struct {
	Name             string `json:"name"`
	MinClientVersion string `json:"min_client_version"`
}

// RegisterResult is the reply to ClientRegister.
type RegisterResult struct {
	DeviceID int64     `json:"device_id"`
	Expire   time.Time `json:"expire"`
}

// VisitResult is the active side's session material from a successful
// Visit call.
type VisitResult struct {
	EndpointAddr string
	Credentials  []byte
	Keys         model.SessionKeys
}

// VisitRequest is pushed to the passive side's subscribe stream when
// someone initiates a visit to it.
type VisitRequest struct {
	ActiveDeviceID  int64  `json:"active_device_id"`
	PassiveDeviceID int64  `json:"passive_device_id"`
	ResourceType    string `json:"resource_type"`
}

// rpcRequest/rpcResponse frame every unary call on the control connection
// as a JSON envelope over a length-prefixed frame, without HMAC signing —
// the control channel runs over TLS, and session-payload integrity is the
// AEAD layer's job, not the portal RPC layer's.
type rpcRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Kind   string          `json:"kind,omitempty"`
}

// Client is the Portal RPC + subscribe-stream client.
type Client struct {
	address string
	tlsCfg  *tls.Config

	mu   sync.Mutex
	conn net.Conn
}

// Connect TCP-dials address, optionally running TLS with verify deciding
// whether to accept the server's certificate.
func Connect(address string, certPEM, keyPEM string, verify func(*tls.ConnectionState) bool) (*Client, error) {
	rawConn, err := net.DialTimeout("tcp", address, 10*time.Second)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IO, "portal.Connect: dial", err)
	}

	var conn net.Conn = rawConn
	tlsCfg, err := mtls.BuildTLSConfig(certPEM, keyPEM)
	if err != nil {
		rawConn.Close()
		return nil, coreerr.Wrap(coreerr.Other, "portal.Connect: build tls config", err)
	}
	if tlsCfg != nil {
		tlsCfg.InsecureSkipVerify = true // verify callback below does the real check
		tlsConn := tls.Client(rawConn, tlsCfg)
		if err := tlsConn.Handshake(); err != nil {
			rawConn.Close()
			return nil, coreerr.Wrap(coreerr.IO, "portal.Connect: tls handshake", err)
		}
		if verify != nil {
			state := tlsConn.ConnectionState()
			if !verify(&state) {
				tlsConn.Close()
				return nil, coreerr.New(coreerr.RemoteRefuse, "portal.Connect: certificate fingerprint rejected")
			}
		}
		conn = tlsConn
	}

	return &Client{address: address, tlsCfg: tlsCfg, conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

func (c *Client) call(method string, params, result any, timeout time.Duration) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return coreerr.Wrap(coreerr.Serialization, "portal.call: marshal params", err)
	}
	req := rpcRequest{Method: method, Params: paramsJSON}
	body, err := json.Marshal(req)
	if err != nil {
		return coreerr.Wrap(coreerr.Serialization, "portal.call: marshal request", err)
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return coreerr.New(coreerr.RemoteOffline, "portal.call: not connected")
	}

	conn.SetDeadline(time.Now().Add(timeout))
	defer conn.SetDeadline(time.Time{})

	if err := transport.WriteFrame(conn, body); err != nil {
		return coreerr.Wrap(coreerr.IO, fmt.Sprintf("portal.call(%s): write", method), err)
	}
	respBody, err := transport.ReadFrame(conn)
	if err != nil {
		return coreerr.Wrap(coreerr.Timeout, fmt.Sprintf("portal.call(%s): read", method), err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return coreerr.Wrap(coreerr.Serialization, fmt.Sprintf("portal.call(%s): unmarshal response", method), err)
	}
	if resp.Error != "" {
		return coreerr.New(coreerr.Kind(resp.Kind), fmt.Sprintf("portal.call(%s): %s", method, resp.Error))
	}
	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return coreerr.Wrap(coreerr.Serialization, fmt.Sprintf("portal.call(%s): unmarshal result", method), err)
		}
	}
	return nil
}

// GetServerConfig returns the Portal's self-description. Callers must
// refuse to proceed if their own client version is below MinClientVersion.
func (c *Client) GetServerConfig() (ServerConfig, error) {
	var cfg ServerConfig
	err := c.call("get_server_config", struct{}{}, &cfg, 10*time.Second)
	return cfg, err
}

// ClientRegister registers this device with the portal. A zero deviceID
// requests allocation of a new one.
func (c *Client) ClientRegister(deviceID int64, fingerPrint string) (RegisterResult, error) {
	var result RegisterResult
	params := struct {
		DeviceID    int64  `json:"device_id"`
		FingerPrint string `json:"finger_print"`
	}{deviceID, fingerPrint}
	err := c.call("client_register", params, &result, 30*time.Second)
	return result, err
}

// Visit performs the full key-exchange protocol (§4.5) with remote
// through the portal and returns the active side's session material.
func (c *Client) Visit(local, remote int64, password string, visitDesktop bool) (VisitResult, error) {
	var zero VisitResult

	state, req, err := keyexchange.Begin(local, remote, password)
	if err != nil {
		return zero, err
	}

	params := struct {
		ActiveDeviceID  int64  `json:"active_device_id"`
		PassiveDeviceID int64  `json:"passive_device_id"`
		PasswordSalt    []byte `json:"password_salt"`
		Secret          []byte `json:"secret"`
		SecretNonce     []byte `json:"secret_nonce"`
		VisitDesktop    bool   `json:"visit_desktop"`
	}{
		ActiveDeviceID:  req.ActiveDeviceID,
		PassiveDeviceID: req.PassiveDeviceID,
		PasswordSalt:    req.PasswordSalt[:],
		Secret:          req.Secret,
		SecretNonce:     req.SecretNonce[:],
		VisitDesktop:    visitDesktop,
	}

	var visitReply struct {
		EndpointAddr string `json:"endpoint_addr"`
		Secret       []byte `json:"secret"`
	}
	if err := c.call("visit", params, &visitReply, 60*time.Second); err != nil {
		return zero, err
	}

	keys, err := state.Finish(visitReply.Secret)
	if err != nil {
		return zero, err
	}

	return VisitResult{
		EndpointAddr: visitReply.EndpointAddr,
		Credentials:  []byte(visitReply.EndpointAddr), // the reply has no separate credentials field; the endpoint address bytes are sent as the handshake credentials
		Keys:         keys,
	}, nil
}

// SubmitKeyExchangeReply is the passive side's half of spec §4.5 step 7-9:
// having run keyexchange.HandlePassive against a pushed KeyExchangeRequest
// and opened a listening socket for this visit, it hands the RSA-sealed
// reply secret and the socket's address back through the portal so the
// portal can relay them to the waiting active side's visit call.
func (c *Client) SubmitKeyExchangeReply(activeDeviceID, passiveDeviceID int64, secret []byte, endpointAddr string) error {
	params := struct {
		ActiveDeviceID  int64  `json:"active_device_id"`
		PassiveDeviceID int64  `json:"passive_device_id"`
		Secret          []byte `json:"secret"`
		EndpointAddr    string `json:"endpoint_addr"`
	}{activeDeviceID, passiveDeviceID, secret, endpointAddr}
	return c.call("key_exchange_reply", params, nil, 30*time.Second)
}
