// Command nimbusd is the session-core CLI: serve (accept incoming visits),
// visit (dial another device), lan (LAN discovery probe), and version.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nimbusdesk/core/internal/config"
	"github.com/nimbusdesk/core/internal/coreerr"
	"github.com/nimbusdesk/core/internal/desktop"
	"github.com/nimbusdesk/core/internal/discovery"
	"github.com/nimbusdesk/core/internal/endpoint"
	"github.com/nimbusdesk/core/internal/historystore"
	"github.com/nimbusdesk/core/internal/keyexchange"
	"github.com/nimbusdesk/core/internal/logging"
	"github.com/nimbusdesk/core/internal/mtls"
	"github.com/nimbusdesk/core/internal/orchestrator"
	"github.com/nimbusdesk/core/internal/portal"
	"github.com/nimbusdesk/core/internal/secmem"
	"github.com/nimbusdesk/core/pkg/model"
)

var (
	version = "0.1.0"
	cfgFile string
)

var log = logging.L("main")

var rootCmd = &cobra.Command{
	Use:   "nimbusd",
	Short: "NimbusDesk session core",
	Long:  `nimbusd - portal handshake, key agreement, and encrypted remote-desktop sessions`,
}

var (
	visitRemote   int64
	visitPassword string
	visitDesktop  bool
	visitFPS      int
	visitBitrate  int
	visitCodec    string
	visitAudio    bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept incoming visits (passive side)",
	Run: func(cmd *cobra.Command, args []string) {
		runServe()
	},
}

var visitCmd = &cobra.Command{
	Use:   "visit",
	Short: "Visit a remote device (active side)",
	Run: func(cmd *cobra.Command, args []string) {
		runVisit()
	},
}

var lanCmd = &cobra.Command{
	Use:   "lan",
	Short: "Probe the LAN for discoverable peers",
	Run: func(cmd *cobra.Command, args []string) {
		runLAN()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("nimbusd v%s\n", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/nimbusdesk/nimbus.yaml)")

	visitCmd.Flags().Int64Var(&visitRemote, "remote", 0, "remote device id to visit")
	visitCmd.Flags().StringVar(&visitPassword, "password", "", "visit password for the remote device")
	visitCmd.Flags().BoolVar(&visitDesktop, "desktop", true, "request desktop (video/audio), not just an endpoint connection")
	visitCmd.Flags().IntVar(&visitFPS, "fps", 0, "requested capture FPS (0 = server default)")
	visitCmd.Flags().IntVar(&visitBitrate, "bitrate", 0, "requested video bitrate in bits/sec (0 = server default)")
	visitCmd.Flags().StringVar(&visitCodec, "codec", "", "requested codec (h264, hevc; empty = server default)")
	visitCmd.Flags().BoolVar(&visitAudio, "audio", false, "also request the audio channel")
	visitCmd.MarkFlagRequired("remote")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(visitCmd)
	rootCmd.AddCommand(lanCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initLogging(cfg *config.Config) {
	logging.Init(cfg.LogFormat, cfg.LogLevel, os.Stdout)
	log = logging.L("main")
}

// ensureRegistered registers this device with the portal if cfg.DeviceID is
// unset and persists the assigned id, per spec §4.4's client_register.
func ensureRegistered(cfg *config.Config, client *portal.Client) error {
	if cfg.DeviceID != 0 {
		return nil
	}
	result, err := client.ClientRegister(0, cfg.FingerPrint)
	if err != nil {
		return coreerr.Wrap(coreerr.PortalInternal, "nimbusd: register device", err)
	}
	cfg.DeviceID = result.DeviceID
	if err := config.SaveTo(cfg, cfgFile); err != nil {
		log.Warn("failed to persist assigned device id", "error", err)
	}
	log.Info("registered with portal", "deviceId", cfg.DeviceID, "expires", result.Expire)
	return nil
}

// warnIfCertNeedsAttention logs a warning when the configured portal mTLS
// cert is expired or has passed its renewal threshold, so an operator
// running serve as a long-lived process finds out before the portal starts
// rejecting the connection outright.
func warnIfCertNeedsAttention(cfg *config.Config) {
	if cfg.PortalTLSCertExpires == "" {
		return
	}
	if mtls.IsExpired(cfg.PortalTLSCertExpires) {
		log.Warn("portal mTLS client cert has expired", "expires", cfg.PortalTLSCertExpires)
		return
	}
	if mtls.NeedsRenewal(cfg.PortalTLSCertIssued, cfg.PortalTLSCertExpires) {
		log.Warn("portal mTLS client cert is approaching expiry, renew soon",
			"issued", cfg.PortalTLSCertIssued, "expires", cfg.PortalTLSCertExpires)
	}
}

func checkMinVersion(client *portal.Client) error {
	srvCfg, err := client.GetServerConfig()
	if err != nil {
		return err
	}
	if srvCfg.MinClientVersion == "" {
		return nil
	}
	// Numeric MAJOR.MINOR.PATCH comparison; a pre-release or build suffix is ignored.
	var have, want [3]int
	fmt.Sscanf(version, "%d.%d.%d", &have[0], &have[1], &have[2])
	fmt.Sscanf(srvCfg.MinClientVersion, "%d.%d.%d", &want[0], &want[1], &want[2])
	for i := 0; i < 3 && have[i] <= want[i]; i++ {
		if have[i] < want[i] {
			return coreerr.New(coreerr.Other, fmt.Sprintf("nimbusd: client version %s below portal minimum %s", version, srvCfg.MinClientVersion))
		}
	}
	return nil
}

// headlessSink is the CLI's orchestrator.Sink: it has no display, so
// decoded video is only accounted for, while a session-fatal error is
// surfaced to the run loop over done.
type headlessSink struct {
	role   string
	frames int
	done   chan error
}

func newHeadlessSink(role string) *headlessSink {
	return &headlessSink{role: role, done: make(chan error, 1)}
}

func (s *headlessSink) RenderVideo(frame desktop.DecodedFrame) {
	s.frames++
	if s.frames%150 == 0 {
		log.Info("received video", "role", s.role, "frames", s.frames, "width", frame.Width, "height", frame.Height)
	}
}

func (s *headlessSink) ErrorHappened(err error) {
	log.Error("session ended", "role", s.role, "error", err)
	select {
	case s.done <- err:
	default:
	}
}

func runServe() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg)

	if cfg.PortalAddress == "" {
		fmt.Fprintln(os.Stderr, "portal_address not configured")
		os.Exit(1)
	}
	warnIfCertNeedsAttention(cfg)

	client, err := portal.Connect(cfg.PortalAddress, cfg.PortalTLSCertPEM, cfg.PortalTLSKeyPEM, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to portal: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	if err := checkMinVersion(client); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if err := ensureRegistered(cfg, client); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Held as a secmem.SecureString rather than cfg.Password directly so the
	// plaintext visit password only exists in cfg for as long as it takes to
	// copy it here; Zero overwrites this copy on shutdown.
	visitPW := secmem.NewSecureString(cfg.Password)
	defer visitPW.Zero()

	var disc *discovery.Discover
	if cfg.Discoverable {
		hostname, _ := os.Hostname()
		disc, err = discovery.New(net.IPv4zero, hostname, cfg.LANPort, func() bool { return cfg.Discoverable })
		if err != nil {
			log.Warn("LAN discovery unavailable", "error", err)
		} else {
			go disc.Run()
			defer disc.Close()
		}
	}

	sub, err := portal.NewSubscription(cfg.PortalAddress, cfg.DeviceID, func(evt portal.PushEvent) {
		handlePushEvent(ctx, cfg, client, visitPW, evt)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build portal subscription: %v\n", err)
		os.Exit(1)
	}
	go sub.Start()
	defer sub.Stop()

	log.Info("serving", "deviceId", cfg.DeviceID, "discoverable", cfg.Discoverable)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("shutting down")
}

// handlePushEvent dispatches one portal.PushEvent. A KeyExchangeRequest
// runs the passive half of spec §4.5, opens a dedicated listener for this
// visit, and hands its address back through the portal; the incoming
// connection on that listener completes the handshake and starts the
// orchestrator.
func handlePushEvent(ctx context.Context, cfg *config.Config, client *portal.Client, visitPW *secmem.SecureString, evt portal.PushEvent) {
	switch evt.Type {
	case "visit_request":
		if evt.VisitRequest != nil {
			log.Info("visit request", "activeDeviceId", evt.VisitRequest.ActiveDeviceID, "resourceType", evt.VisitRequest.ResourceType)
		}
	case "key_exchange":
		var req keyexchange.Request
		if err := json.Unmarshal(evt.KeyExchange, &req); err != nil {
			log.Error("failed to parse key exchange request", "error", err)
			return
		}
		go acceptVisit(ctx, cfg, client, visitPW, req)
	default:
		log.Warn("unrecognized push event", "type", evt.Type)
	}
}

func acceptVisit(ctx context.Context, cfg *config.Config, client *portal.Client, visitPW *secmem.SecureString, req keyexchange.Request) {
	startedAt := time.Now()
	hist := openHistoryStore()
	if hist != nil {
		defer hist.Close()
	}

	keys, sealedReply, err := keyexchange.HandlePassive(&req, visitPW.Reveal())
	if err != nil {
		log.Error("key exchange failed", "activeDeviceId", req.ActiveDeviceID, "error", err)
		recordVisit(hist, req.ActiveDeviceID, "", startedAt, false, err.Error())
		return
	}

	sink := newHeadlessSink("shared")

	var o *orchestrator.Orchestrator
	var hreq endpoint.HandshakeRequest

	if strings.EqualFold(cfg.SessionTransport, "udp") {
		o, hreq, err = acceptVisitUDP(ctx, cfg, client, req, sealedReply, keys, sink)
	} else {
		o, hreq, err = acceptVisitTCP(ctx, cfg, client, req, sealedReply, keys, sink)
	}
	if err != nil {
		log.Error("visit setup failed", "activeDeviceId", req.ActiveDeviceID, "error", err)
		recordVisit(hist, req.ActiveDeviceID, "", startedAt, false, err.Error())
		return
	}
	if o == nil {
		return
	}
	defer o.Close()

	log.Info("session accepted", "remoteDeviceId", hreq.DeviceID)
	recordDomain(hist, req.ActiveDeviceID, "")
	sessErr := <-sink.done
	recordVisit(hist, hreq.DeviceID, "", startedAt, sessErr == nil, errString(sessErr))
}

func acceptVisitTCP(ctx context.Context, cfg *config.Config, client *portal.Client, req keyexchange.Request, sealedReply []byte, keys model.SessionKeys, sink *headlessSink) (*orchestrator.Orchestrator, endpoint.HandshakeRequest, error) {
	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		return nil, endpoint.HandshakeRequest{}, fmt.Errorf("open visit listener: %w", err)
	}

	if err := client.SubmitKeyExchangeReply(req.ActiveDeviceID, req.PassiveDeviceID, sealedReply, ln.Addr().String()); err != nil {
		ln.Close()
		return nil, endpoint.HandshakeRequest{}, fmt.Errorf("submit key exchange reply: %w", err)
	}

	conn, err := acceptOnce(ln, 60*time.Second)
	if err != nil {
		return nil, endpoint.HandshakeRequest{}, fmt.Errorf("visitor never connected: %w", err)
	}

	return orchestrator.AcceptShared(ctx, conn, cfg.DeviceID, keys, sink)
}

// acceptVisitUDP mirrors acceptVisitTCP over the UDP-backed transport
// (spec §4.1): the local packet socket's bound address is submitted the
// same way a TCP listener's Addr() is, and AcceptSharedUDP blocks for the
// visitor's first datagram to learn its peer address.
func acceptVisitUDP(ctx context.Context, cfg *config.Config, client *portal.Client, req keyexchange.Request, sealedReply []byte, keys model.SessionKeys, sink *headlessSink) (*orchestrator.Orchestrator, endpoint.HandshakeRequest, error) {
	pc, err := net.ListenPacket("udp", cfg.SessionUDPLocalAddr)
	if err != nil {
		return nil, endpoint.HandshakeRequest{}, fmt.Errorf("open visit packet conn: %w", err)
	}

	if err := client.SubmitKeyExchangeReply(req.ActiveDeviceID, req.PassiveDeviceID, sealedReply, pc.LocalAddr().String()); err != nil {
		pc.Close()
		return nil, endpoint.HandshakeRequest{}, fmt.Errorf("submit key exchange reply: %w", err)
	}

	return orchestrator.AcceptSharedUDP(ctx, pc, cfg.DeviceID, keys, sink)
}

// acceptOnce blocks for a single inbound connection on ln, closing the
// listener either way so it doesn't linger past this one visit.
func acceptOnce(ln net.Listener, timeout time.Duration) (net.Conn, error) {
	defer ln.Close()
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()
	select {
	case r := <-ch:
		return r.conn, r.err
	case <-time.After(timeout):
		return nil, coreerr.New(coreerr.Timeout, "nimbusd: no connection within visit listener timeout")
	}
}

func runVisit() {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogging(cfg)

	if cfg.PortalAddress == "" {
		fmt.Fprintln(os.Stderr, "portal_address not configured")
		os.Exit(1)
	}
	warnIfCertNeedsAttention(cfg)

	client, err := portal.Connect(cfg.PortalAddress, cfg.PortalTLSCertPEM, cfg.PortalTLSKeyPEM, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to portal: %v\n", err)
		os.Exit(1)
	}
	defer client.Close()

	if err := checkMinVersion(client); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	if err := ensureRegistered(cfg, client); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}

	startedAt := time.Now()
	hist := openHistoryStore()
	if hist != nil {
		defer hist.Close()
	}

	result, err := client.Visit(cfg.DeviceID, visitRemote, visitPassword, visitDesktop)
	if err != nil {
		recordVisit(hist, visitRemote, "", startedAt, false, err.Error())
		fmt.Fprintf(os.Stderr, "visit failed: %v\n", err)
		os.Exit(1)
	}
	recordDomain(hist, visitRemote, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := newHeadlessSink("visitor")
	var o *orchestrator.Orchestrator
	if strings.EqualFold(cfg.SessionTransport, "udp") {
		o, err = orchestrator.DialVisitorUDP(ctx, cfg.SessionUDPLocalAddr, result.EndpointAddr, result.Credentials, cfg.DeviceID, visitRemote, result.Keys, sink)
	} else {
		o, err = orchestrator.DialVisitor(ctx, result.EndpointAddr, result.Credentials, cfg.DeviceID, visitRemote, result.Keys, sink)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to establish session: %v\n", err)
		os.Exit(1)
	}
	defer o.Close()

	if visitDesktop {
		params := orchestrator.Params{
			FPS:       visitFPS,
			Bitrate:   visitBitrate,
			Codec:     desktop.Codec(visitCodec),
			WithAudio: visitAudio,
		}
		monitors, err := o.Negotiate(params, 30*time.Second)
		if err != nil {
			fmt.Fprintf(os.Stderr, "negotiation failed: %v\n", err)
			os.Exit(1)
		}
		for _, m := range monitors {
			log.Info("remote monitor", "id", m.ID, "name", m.Name, "width", m.Width, "height", m.Height, "primary", m.IsPrimary)
		}
	}

	log.Info("session established", "remote", visitRemote, "endpoint", result.EndpointAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
		log.Info("shutting down")
		recordVisit(hist, visitRemote, result.EndpointAddr, startedAt, true, "")
	case err := <-sink.done:
		recordVisit(hist, visitRemote, result.EndpointAddr, startedAt, err == nil, errString(err))
		fmt.Fprintf(os.Stderr, "session ended: %v\n", err)
		os.Exit(1)
	}
}

// openHistoryStore opens the local visit-history/domain database under
// config.GetDataDir(), logging and returning nil on failure rather than
// failing the visit — history is a convenience, not a requirement (spec §6:
// the session core consumes this storage, it does not depend on it).
func openHistoryStore() *historystore.Store {
	if err := os.MkdirAll(config.GetDataDir(), 0o700); err != nil {
		log.Warn("failed to create data dir for history store", "error", err)
		return nil
	}
	store, err := historystore.Open(filepath.Join(config.GetDataDir(), "history.db"))
	if err != nil {
		log.Warn("history store unavailable", "error", err)
		return nil
	}
	return store
}

func recordVisit(hist *historystore.Store, remoteDeviceID int64, remoteAddr string, startedAt time.Time, succeeded bool, failureReason string) {
	if hist == nil {
		return
	}
	entry := model.VisitHistoryEntry{
		RemoteDeviceID: remoteDeviceID,
		RemoteAddress:  remoteAddr,
		StartedAt:      startedAt,
		EndedAt:        time.Now(),
		Succeeded:      succeeded,
		FailureReason:  failureReason,
	}
	if err := hist.RecordVisit(entry); err != nil {
		log.Warn("failed to record visit history", "error", err)
	}
}

func recordDomain(hist *historystore.Store, remoteDeviceID int64, label string) {
	if hist == nil {
		return
	}
	record := model.DomainRecord{DeviceID: remoteDeviceID, Label: label, LastSeen: time.Now()}
	if err := hist.Upsert(record); err != nil {
		log.Warn("failed to upsert domain record", "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func runLAN() {
	logging.Init("text", "info", os.Stdout)
	log = logging.L("main")

	hostname, _ := os.Hostname()
	disc, err := discovery.New(net.IPv4zero, hostname, 48000, func() bool { return true })
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start LAN discovery: %v\n", err)
		os.Exit(1)
	}
	go disc.Run()
	defer disc.Close()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	fmt.Println("Probing LAN for nimbusdesk peers (Ctrl-C to stop)...")
	for {
		select {
		case <-sigChan:
			return
		case <-ticker.C:
			printNodes(disc.Nodes())
		}
	}
}

func printNodes(nodes []model.LanNode) {
	if len(nodes) == 0 {
		fmt.Println("(no peers seen yet)")
		return
	}
	for _, n := range nodes {
		fmt.Printf("%-20s %-15s %s %s (tcp:%d udp:%d) last seen %s\n",
			n.Hostname, n.Address, n.OS, n.OSVersion, n.TCPPort, n.UDPPort, n.LastSeen.Format(time.RFC3339))
	}
}

