// Package orchestrator implements the Session Orchestrator (C13): on a
// successful visit it constructs the transport connection, runs the
// handshake, builds the endpoint session, and spawns the capture/encode
// and decode/render tasks spec §4.13 describes. Subsystem wiring (transport
// dial, session construction, goroutine lifecycle via context cancellation)
// follows the same done-channel shutdown shape as endpoint.Session.
package orchestrator

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nimbusdesk/core/internal/audio"
	"github.com/nimbusdesk/core/internal/coreerr"
	"github.com/nimbusdesk/core/internal/desktop"
	"github.com/nimbusdesk/core/internal/endpoint"
	"github.com/nimbusdesk/core/internal/filetransfer"
	"github.com/nimbusdesk/core/internal/logging"
	"github.com/nimbusdesk/core/internal/transport"
	"github.com/nimbusdesk/core/internal/wire"
	"github.com/nimbusdesk/core/pkg/model"
)

var log = logging.L("orchestrator")

// Role distinguishes which of the two visited peers this orchestrator
// drives. The active (visitor) peer dials out and renders; the passive
// (shared) peer accepts the connection and captures its own desktop, per
// spec §4.13 and the passive-side input-injection note in §2.
type Role int

const (
	RoleVisitor Role = iota
	RoleShared
)

// consecutiveCodecErrorLimit is the "three consecutive codec errors"
// threshold from spec §7 at which a session is torn down.
const consecutiveCodecErrorLimit = 3

// Sink is the host UI boundary. Decoded video lands here on the visitor
// side; ErrorHappened surfaces a terminal session error to the shell on
// either side, per spec §4.13/§7.
type Sink interface {
	RenderVideo(desktop.DecodedFrame)
	ErrorHappened(err error)
}

// Params are the one-time negotiated media parameters (spec §4.8).
type Params struct {
	MonitorID string
	FPS       int
	Bitrate   int
	Codec     desktop.Codec
	WithAudio bool
}

func (p Params) withDefaults() Params {
	if p.FPS <= 0 {
		p.FPS = 30
	}
	if p.Bitrate <= 0 {
		p.Bitrate = 2_500_000
	}
	if p.Codec == "" {
		p.Codec = desktop.CodecH264
	}
	return p
}

// Orchestrator wires together transport, session, desktop capture/encode
// or decode/render, and audio, for one visited session. One Orchestrator
// drives exactly one session for its lifetime; a fatal error or Close ends
// it permanently — reconnection builds a fresh Orchestrator.
type Orchestrator struct {
	role    Role
	session *endpoint.Session
	sink    Sink

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	params Params

	// shared-side media pipeline, (re)built by startSharing/SwitchScreen
	capturer      desktop.ScreenCapturer
	encoder       *desktop.VideoEncoder
	audioPipeline *audio.Pipeline
	inputHandler  desktop.InputHandler
	adaptive      *desktop.AdaptiveBitrate

	// visitor-side media pipeline, built once at negotiation
	decoder     *desktop.VideoDecoder
	audioPlayer *audio.Player

	codecErrCount int

	closeOnce sync.Once
}

// DialVisitor dials address over TCP, completes the active handshake with
// credentials against remoteDeviceID, and starts a Session. The caller
// supplies the AEAD keys obtained from portal.Client.Visit.
func DialVisitor(ctx context.Context, address string, credentials []byte, localDeviceID, remoteDeviceID int64, keys model.SessionKeys, sink Sink) (*Orchestrator, error) {
	raw, err := net.Dial("tcp", address)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IO, "orchestrator.DialVisitor: dial", err)
	}
	conn, err := newConn(raw, keys)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return dialVisitorOn(ctx, conn, credentials, localDeviceID, remoteDeviceID, sink)
}

// DialVisitorUDP is DialVisitor over the UDP-backed Framed Transport
// (spec §4.1's "TCP or UDP" choice): localAddr is bound with
// net.ListenPacket and fixed to only exchange datagrams with peerAddr.
func DialVisitorUDP(ctx context.Context, localAddr, peerAddr string, credentials []byte, localDeviceID, remoteDeviceID int64, keys model.SessionKeys, sink Sink) (*Orchestrator, error) {
	pc, err := net.ListenPacket("udp", localAddr)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.IO, "orchestrator.DialVisitorUDP: listen", err)
	}
	peer, err := net.ResolveUDPAddr("udp", peerAddr)
	if err != nil {
		pc.Close()
		return nil, coreerr.Wrap(coreerr.IO, "orchestrator.DialVisitorUDP: resolve peer", err)
	}
	conn, err := newPacketConn(pc, peer, keys)
	if err != nil {
		pc.Close()
		return nil, err
	}
	return dialVisitorOn(ctx, conn, credentials, localDeviceID, remoteDeviceID, sink)
}

func dialVisitorOn(ctx context.Context, conn transport.FrameConn, credentials []byte, localDeviceID, remoteDeviceID int64, sink Sink) (*Orchestrator, error) {
	if err := endpoint.DoActiveHandshake(conn, credentials, localDeviceID, remoteDeviceID); err != nil {
		conn.Close()
		return nil, err
	}
	return newOrchestrator(ctx, RoleVisitor, conn, sink), nil
}

// AcceptShared completes the passive handshake over an already-accepted
// TCP connection and starts a Session. Returns the verified
// HandshakeRequest so the caller can check its VisitCredentials against
// the Portal-issued ones before proceeding.
func AcceptShared(ctx context.Context, raw net.Conn, localDeviceID int64, keys model.SessionKeys, sink Sink) (*Orchestrator, endpoint.HandshakeRequest, error) {
	conn, err := newConn(raw, keys)
	if err != nil {
		raw.Close()
		return nil, endpoint.HandshakeRequest{}, err
	}
	return acceptSharedOn(ctx, conn, localDeviceID, sink)
}

// AcceptSharedUDP is AcceptShared over the UDP-backed Framed Transport.
// Unlike TCP, a listening UDP socket has no distinct accept step: pc is
// bound by the caller (its address already submitted to the visitor via
// the key exchange reply, the same way a TCP listener's Addr() is), and
// AcceptSharedUDP blocks for the visitor's first datagram to learn its
// address before completing the passive handshake.
func AcceptSharedUDP(ctx context.Context, pc net.PacketConn, localDeviceID int64, keys model.SessionKeys, sink Sink) (*Orchestrator, endpoint.HandshakeRequest, error) {
	seal, open, err := sessionAEADs(keys)
	if err != nil {
		pc.Close()
		return nil, endpoint.HandshakeRequest{}, err
	}
	conn, err := transport.AcceptPacketConn(pc, seal, open)
	if err != nil {
		pc.Close()
		return nil, endpoint.HandshakeRequest{}, err
	}
	return acceptSharedOn(ctx, conn, localDeviceID, sink)
}

func acceptSharedOn(ctx context.Context, conn transport.FrameConn, localDeviceID int64, sink Sink) (*Orchestrator, endpoint.HandshakeRequest, error) {
	req, err := endpoint.DoPassiveHandshake(conn, localDeviceID)
	if err != nil {
		conn.Close()
		return nil, endpoint.HandshakeRequest{}, err
	}
	return newOrchestrator(ctx, RoleShared, conn, sink), req, nil
}

func newConn(raw net.Conn, keys model.SessionKeys) (*transport.Conn, error) {
	seal, open, err := sessionAEADs(keys)
	if err != nil {
		return nil, err
	}
	return transport.NewConn(raw, seal, open), nil
}

func newPacketConn(pc net.PacketConn, peer net.Addr, keys model.SessionKeys) (*transport.PacketConn, error) {
	seal, open, err := sessionAEADs(keys)
	if err != nil {
		return nil, err
	}
	return transport.NewPacketConn(pc, peer, seal, open), nil
}

func sessionAEADs(keys model.SessionKeys) (seal, open *transport.AEAD, err error) {
	seal, err = transport.NewAEAD(keys.SealingKey, keys.SealingNonce)
	if err != nil {
		return nil, nil, err
	}
	open, err = transport.NewAEAD(keys.OpeningKey, keys.OpeningNonce)
	if err != nil {
		return nil, nil, err
	}
	return seal, open, nil
}

func newOrchestrator(ctx context.Context, role Role, conn transport.FrameConn, sink Sink) *Orchestrator {
	runCtx, cancel := context.WithCancel(ctx)
	o := &Orchestrator{
		role:    role,
		session: endpoint.NewSession(conn),
		sink:    sink,
		ctx:     runCtx,
		cancel:  cancel,
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		err := o.session.Run()
		select {
		case <-o.ctx.Done():
			// Expected: teardown cancelled the context before closing the
			// session, so this return is not a fatal error to report.
			return
		default:
		}
		if err != nil {
			o.fail(coreerr.Wrap(coreerr.OutgoingChannelDisconnect, "orchestrator: session run", err))
		}
	}()
	if role == RoleShared {
		o.session.HandleRequests(wire.KindNegotiateDesktopParamsRequest, o.handleNegotiateRequest)
		o.session.HandleRequests(wire.KindDirectoryRequest, filetransfer.HandleDirectoryRequest)
	}
	return o
}

// RequestDirectory is the visitor side's directory-browsing RPC (§6
// supplement): it asks the shared side to list path and returns the
// result as a model.Directory, or the remote-reported error as err.
func (o *Orchestrator) RequestDirectory(path string, timeout time.Duration) (model.Directory, error) {
	if o.role != RoleVisitor {
		return model.Directory{}, coreerr.New(coreerr.Other, "orchestrator.RequestDirectory: only the visitor side browses")
	}
	reply, err := o.session.Call(wire.DirectoryRequest{Path: path}, wire.KindDirectoryResponse, timeout)
	if err != nil {
		return model.Directory{}, err
	}
	resp := reply.(wire.DirectoryResponse)
	if resp.Err != "" {
		return model.Directory{}, coreerr.New(coreerr.IO, fmt.Sprintf("orchestrator.RequestDirectory: remote: %s", resp.Err))
	}
	return model.Directory{
		Path:    resp.Path,
		SubDirs: fromDirEntryInfos(resp.SubDirs),
		Files:   fromDirEntryInfos(resp.Files),
	}, nil
}

func fromDirEntryInfos(entries []wire.DirEntryInfo) []model.DirEntry {
	out := make([]model.DirEntry, len(entries))
	for i, e := range entries {
		out[i] = model.DirEntry{Path: e.Path, ModifiedTime: time.Unix(e.ModifiedTime, 0), Size: e.Size, Icon: e.Icon}
	}
	return out
}

// Negotiate is called once by the visitor after DialVisitor succeeds. It
// proposes params, starts the receive→decode→render task with the
// response's accepted parameters, and returns the monitor list the shared
// side offered.
func (o *Orchestrator) Negotiate(params Params, timeout time.Duration) ([]model.Monitor, error) {
	if o.role != RoleVisitor {
		return nil, coreerr.New(coreerr.Other, "orchestrator.Negotiate: only the visitor side negotiates")
	}
	params = params.withDefaults()

	req := wire.NegotiateDesktopParamsRequest{
		MonitorID: params.MonitorID,
		FPS:       params.FPS,
		Bitrate:   params.Bitrate,
		Codec:     string(params.Codec),
		WithAudio: params.WithAudio,
	}
	reply, err := o.session.Call(req, wire.KindNegotiateDesktopParamsResponse, timeout)
	if err != nil {
		return nil, err
	}
	resp := reply.(wire.NegotiateDesktopParamsResponse)
	if !resp.Accepted {
		return nil, coreerr.New(coreerr.RemoteRefuse, "orchestrator.Negotiate: remote rejected negotiated parameters")
	}

	o.mu.Lock()
	o.params = Params{MonitorID: params.MonitorID, FPS: resp.FPS, Bitrate: resp.Bitrate, Codec: desktop.Codec(resp.Codec), WithAudio: params.WithAudio}
	o.decoder = desktop.NewVideoDecoder()
	if params.WithAudio {
		if output := desktop.NewAudioPlayer(); output != nil {
			if player, err := audio.NewPlayer(output); err == nil {
				o.audioPlayer = player
			} else {
				log.Warn("orchestrator: audio player unavailable", "error", err)
			}
		}
	}
	o.mu.Unlock()

	if err := o.session.Send(wire.NegotiateFinishedRequest{}); err != nil {
		return nil, err
	}

	o.wg.Add(1)
	go o.runRender()

	monitors := make([]model.Monitor, len(resp.Monitors))
	for i, m := range resp.Monitors {
		monitors[i] = model.Monitor{ID: m.ID, Name: m.Name, Width: m.Width, Height: m.Height, RefreshRate: m.RefreshRate, IsPrimary: m.IsPrimary}
	}
	return monitors, nil
}

// handleNegotiateRequest is the shared side's RequestHandler for
// NegotiateDesktopParamsRequest: it starts capture+encode against the
// requested monitor (or the primary if unset) and replies with the
// monitor list and the parameters actually selected.
func (o *Orchestrator) handleNegotiateRequest(msg wire.Message) (wire.Message, error) {
	req := msg.(wire.NegotiateDesktopParamsRequest)
	params := Params{MonitorID: req.MonitorID, FPS: req.FPS, Bitrate: req.Bitrate, Codec: desktop.Codec(req.Codec), WithAudio: req.WithAudio}.withDefaults()

	monitors, err := desktop.ListMonitors()
	if err != nil {
		return wire.NegotiateDesktopParamsResponse{Accepted: false}, nil
	}

	if err := o.startSharing(params); err != nil {
		log.Error("orchestrator: failed to start sharing", "error", err)
		return wire.NegotiateDesktopParamsResponse{Accepted: false}, nil
	}

	wireMonitors := make([]wire.MonitorInfo, len(monitors))
	for i, m := range monitors {
		wireMonitors[i] = wire.MonitorInfo{ID: fmt.Sprintf("%d", m.Index), Name: m.Name, Width: m.Width, Height: m.Height, IsPrimary: m.IsPrimary}
	}

	o.mu.Lock()
	o.params = params
	o.mu.Unlock()

	o.wg.Add(1)
	go o.runInputReceiver()

	return wire.NegotiateDesktopParamsResponse{
		Accepted: true,
		Monitors: wireMonitors,
		FPS:      params.FPS,
		Bitrate:  params.Bitrate,
		Codec:    string(params.Codec),
	}, nil
}

// startSharing (re)builds the capturer, encoder, and (if requested) audio
// pipeline for params.MonitorID and spawns the capture→encode→send task.
// Any previous capture/encoder pair is released first, so this also
// implements the restart half of SwitchScreen.
func (o *Orchestrator) startSharing(params Params) error {
	display := 0
	if params.MonitorID != "" {
		fmt.Sscanf(params.MonitorID, "%d", &display)
	}

	capturer, err := desktop.NewScreenCapturer(desktop.CaptureConfig{DisplayIndex: display, ScaleFactor: 1.0, Quality: 80})
	if err != nil {
		return coreerr.Wrap(coreerr.Platform, "orchestrator.startSharing: new capturer", err)
	}
	encoder, err := desktop.NewVideoEncoder(desktop.EncoderConfig{
		Codec:   desktopEncoderCodec(params.Codec),
		Bitrate: params.Bitrate,
		FPS:     params.FPS,
	})
	if err != nil {
		capturer.Close()
		return coreerr.Wrap(coreerr.Codec, "orchestrator.startSharing: new encoder", err)
	}
	if provider, ok := capturer.(desktop.BGRAProvider); ok && provider.IsBGRA() {
		encoder.SetPixelFormat(desktop.PixelFormatBGRA)
	}

	// Adaptive bitrate (§6 supplement): runCapture feeds it the encode-drop
	// ratio of every 30-frame window instead of leaving bitrate fixed at
	// whatever NegotiateDesktopParamsRequest proposed.
	adaptive, err := desktop.NewAdaptiveBitrate(desktop.AdaptiveConfig{
		Encoder:        encoder,
		InitialBitrate: params.Bitrate,
		MinBitrate:     params.Bitrate / 4,
		MaxBitrate:     params.Bitrate * 2,
		MaxFPS:         params.FPS,
	})
	if err != nil {
		log.Warn("orchestrator: adaptive bitrate unavailable", "error", err)
	}

	o.mu.Lock()
	oldCapturer, oldEncoder, oldAudio := o.capturer, o.encoder, o.audioPipeline
	o.capturer, o.encoder = capturer, encoder
	o.adaptive = adaptive
	o.codecErrCount = 0
	if o.inputHandler == nil {
		o.inputHandler = desktop.NewInputHandler()
	}
	if params.WithAudio && oldAudio == nil {
		if input := desktop.NewAudioCapturer(); input != nil {
			if pipeline, err := audio.NewPipeline(input); err == nil {
				o.audioPipeline = pipeline
			} else {
				log.Warn("orchestrator: audio pipeline unavailable", "error", err)
			}
		}
	}
	newAudio := o.audioPipeline
	o.mu.Unlock()

	if oldEncoder != nil {
		oldEncoder.Close()
	}
	if oldCapturer != nil {
		oldCapturer.Close()
	}

	o.wg.Add(1)
	go o.runCapture(capturer, encoder)

	if newAudio != nil && newAudio != oldAudio {
		if err := newAudio.Start(); err != nil {
			log.Warn("orchestrator: audio capture start failed", "error", err)
		} else {
			o.wg.Add(1)
			go o.runAudioSend(newAudio)
		}
	}
	return nil
}

func desktopEncoderCodec(c desktop.Codec) desktop.Codec {
	if c == "" {
		return desktop.CodecH264
	}
	return c
}

// SwitchScreen is the on-demand RPC (spec §4.13) restarting capture and
// encoding against a new monitor. Valid on the shared side only.
func (o *Orchestrator) SwitchScreen(monitorID string) error {
	if o.role != RoleShared {
		return coreerr.New(coreerr.Other, "orchestrator.SwitchScreen: only the shared side captures")
	}
	o.mu.Lock()
	params := o.params
	o.mu.Unlock()
	params.MonitorID = monitorID
	return o.startSharing(params)
}

// fail is a session-fatal error: it surfaces to the UI via Sink, then
// tears the session down. Only the first error is reported (spec §7).
//
// teardown must never block on o.wg from inside closeOnce.Do: fail is
// called from the very goroutines o.wg tracks (runCapture, runRender,
// runAudioSend, the session-run loop) when a send/receive fails as a
// direct result of this same teardown closing the connection out from
// under them. Waiting on o.wg here would make that goroutine wait on its
// own completion. Cancellation and resource teardown happen synchronously
// in closeOnce.Do; waiting for every goroutine to actually exit is left to
// the caller via Close/Wait, neither of which is itself a tracked
// goroutine in the normal shutdown path.
func (o *Orchestrator) fail(err error) {
	if err == nil {
		return
	}
	o.closeOnce.Do(func() {
		if o.sink != nil {
			o.sink.ErrorHappened(err)
		}
		o.teardown()
	})
}

// ErrorHappened lets a caller (e.g. a UI action that failed outside this
// package) report a session-fatal error through the same terminal path.
func (o *Orchestrator) ErrorHappened(err error) { o.fail(err) }

// Close ends the session cleanly (no error reported to the UI) and waits
// for every background task to exit before returning.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(o.teardown)
	o.wg.Wait()
}

// teardown cancels the run context, closes the session (and with it the
// underlying connection), and releases capture/encode/decode/audio
// resources. It does not wait for the background tasks those resources
// belong to — see the fail doc comment for why.
func (o *Orchestrator) teardown() {
	o.cancel()
	o.session.Shutdown()

	o.mu.Lock()
	capturer, encoder, pipeline, player := o.capturer, o.encoder, o.audioPipeline, o.audioPlayer
	decoder := o.decoder
	o.mu.Unlock()

	if pipeline != nil {
		pipeline.Stop()
	}
	if encoder != nil {
		encoder.Close()
	}
	if capturer != nil {
		capturer.Close()
	}
	if decoder != nil {
		decoder.Close()
	}
	if player != nil {
		player.Close()
	}
}
