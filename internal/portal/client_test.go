package portal

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/nimbusdesk/core/internal/transport"
)

// fakePortalServer answers a fixed set of RPC methods over a plain TCP
// listener (no TLS), enough to exercise Client.call's framing and error
// surfacing without a certificate fixture.
func fakePortalServer(t *testing.T, handlers map[string]func(json.RawMessage) (any, string, string)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				for {
					body, err := transport.ReadFrame(conn)
					if err != nil {
						return
					}
					var req rpcRequest
					if err := json.Unmarshal(body, &req); err != nil {
						return
					}
					fn, ok := handlers[req.Method]
					if !ok {
						resp, _ := json.Marshal(rpcResponse{Error: "unknown method", Kind: "other"})
						transport.WriteFrame(conn, resp)
						continue
					}
					result, errMsg, kind := fn(req.Params)
					var resp rpcResponse
					if errMsg != "" {
						resp = rpcResponse{Error: errMsg, Kind: kind}
					} else {
						rb, _ := json.Marshal(result)
						resp = rpcResponse{Result: rb}
					}
					respBody, _ := json.Marshal(resp)
					if err := transport.WriteFrame(conn, respBody); err != nil {
						return
					}
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func TestGetServerConfig(t *testing.T) {
	addr := fakePortalServer(t, map[string]func(json.RawMessage) (any, string, string){
		"get_server_config": func(json.RawMessage) (any, string, string) {
			return ServerConfig{Name: "nimbus-portal", MinClientVersion: "1.0.0"}, "", ""
		},
	})

	client, err := Connect(addr, "", "", nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	cfg, err := client.GetServerConfig()
	if err != nil {
		t.Fatalf("GetServerConfig: %v", err)
	}
	if cfg.Name != "nimbus-portal" {
		t.Fatalf("Name = %q, want nimbus-portal", cfg.Name)
	}
}

func TestClientRegister(t *testing.T) {
	addr := fakePortalServer(t, map[string]func(json.RawMessage) (any, string, string){
		"client_register": func(json.RawMessage) (any, string, string) {
			return RegisterResult{DeviceID: 42, Expire: time.Now().Add(24 * time.Hour)}, "", ""
		},
	})

	client, err := Connect(addr, "", "", nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	result, err := client.ClientRegister(0, "fingerprint")
	if err != nil {
		t.Fatalf("ClientRegister: %v", err)
	}
	if result.DeviceID != 42 {
		t.Fatalf("DeviceID = %d, want 42", result.DeviceID)
	}
}

func TestCallSurfacesRemoteErrorKind(t *testing.T) {
	addr := fakePortalServer(t, map[string]func(json.RawMessage) (any, string, string){
		"get_server_config": func(json.RawMessage) (any, string, string) {
			return nil, "portal overloaded", "portal_internal"
		},
	})

	client, err := Connect(addr, "", "", nil)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer client.Close()

	_, err = client.GetServerConfig()
	if err == nil {
		t.Fatal("expected error")
	}
}
