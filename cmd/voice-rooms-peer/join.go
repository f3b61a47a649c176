package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	petname "github.com/dustinkirkland/golang-petname"
	"github.com/pion/webrtc/v4"
	"github.com/spf13/cobra"

	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/client"
	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/negotiation"
	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/protocol"
	"github.com/wilsonzlin/aero/proxy/voice-rooms/internal/webrtcpeer"
)

type joinOptions struct {
	room     string
	username string
	token    string
	password string

	audioPath string
	recordDir string
	muted     bool

	udpPortMin      uint16
	udpPortMax      uint16
	nat1To1IPs      []string
	nat1To1CandType string
	listenIP        string

	disconnectGrace time.Duration
	statusInterval  time.Duration
	duration        time.Duration
	readStdin       bool
}

func newJoinCommand(root *rootOptions) *cobra.Command {
	opts := &joinOptions{}
	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join a room and exchange audio with its members",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := root.logger()
			if err != nil {
				return err
			}
			if err := opts.validate(); err != nil {
				return err
			}
			api, err := newAPIClient(root.server)
			if err != nil {
				return err
			}
			var stdin io.Reader
			if opts.readStdin {
				stdin = cmd.InOrStdin()
			}
			return runJoin(cmd.Context(), api, opts, stdin, logger)
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.room, "room", "", "Room to join")
	f.StringVar(&opts.username, "username", "", "Display name (default: a random pet name, or the account name when logged in)")
	f.StringVar(&opts.token, "token", envOr(envToken, ""), "Identity token (env "+envToken+")")
	f.StringVar(&opts.password, "password", "", "Log in as --username with this password before joining")
	f.StringVar(&opts.audioPath, "audio", "", "Ogg/Opus file to stream on a loop (default: silence)")
	f.StringVar(&opts.recordDir, "record-dir", "", "Write each remote track to an .ogg file in this directory")
	f.BoolVar(&opts.muted, "muted", false, "Start muted")
	f.Uint16Var(&opts.udpPortMin, "udp-port-min", 0, "Lowest local UDP port for ICE")
	f.Uint16Var(&opts.udpPortMax, "udp-port-max", 0, "Highest local UDP port for ICE")
	f.StringSliceVar(&opts.nat1To1IPs, "nat-1to1-ips", nil, "Public IPs to advertise for 1:1 NAT")
	f.StringVar(&opts.nat1To1CandType, "nat-1to1-candidate-type", "host", "Candidate type for --nat-1to1-ips: host or srflx")
	f.StringVar(&opts.listenIP, "listen-ip", "", "Only gather ICE candidates on this local address")
	f.DurationVar(&opts.disconnectGrace, "disconnect-grace", negotiation.DefaultDisconnectGrace, "How long a disconnected peer may recover before it counts as failed")
	f.DurationVar(&opts.statusInterval, "status-interval", 10*time.Second, "Log peer status at this interval (0 disables)")
	f.DurationVar(&opts.duration, "duration", 0, "Leave and exit after this long (0 runs until interrupted)")
	f.BoolVar(&opts.readStdin, "stdin", false, "Read chat lines and /commands from stdin")
	_ = cmd.MarkFlagRequired("room")
	return cmd
}

func (o *joinOptions) validate() error {
	o.room = strings.TrimSpace(o.room)
	if o.room == "" {
		return errors.New("--room must not be empty")
	}
	if o.password != "" && strings.TrimSpace(o.username) == "" {
		return errors.New("--password requires --username")
	}
	if o.password != "" && o.token != "" {
		return errors.New("--password and --token are mutually exclusive")
	}
	if o.disconnectGrace <= 0 {
		return fmt.Errorf("--disconnect-grace must be > 0 (got %s)", o.disconnectGrace)
	}
	if o.statusInterval < 0 || o.duration < 0 {
		return errors.New("--status-interval and --duration must not be negative")
	}
	if o.listenIP != "" && net.ParseIP(o.listenIP) == nil {
		return fmt.Errorf("--listen-ip %q is not an IP address", o.listenIP)
	}
	return nil
}

func (o *joinOptions) settings() webrtcpeer.Settings {
	return webrtcpeer.Settings{
		UDPPortMin:           o.udpPortMin,
		UDPPortMax:           o.udpPortMax,
		NAT1To1IPs:           o.nat1To1IPs,
		NAT1To1CandidateType: o.nat1To1CandType,
		ListenIP:             net.ParseIP(o.listenIP),
	}
}

// defaultUsername is used when neither --username nor an account name is
// available.
func defaultUsername() string {
	return petname.Generate(2, "-")
}

// peerMedia creates fresh local audio and a negotiation manager for every
// room joined; leaving a room releases both.
type peerMedia struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
	audioPath  string
	grace      time.Duration
	recorder   *webrtcpeer.Recorder
	log        *slog.Logger

	muted atomic.Bool

	mu    sync.Mutex
	audio *webrtcpeer.LocalAudio
}

func (p *peerMedia) newManager(sig negotiation.Signaler) (*negotiation.Manager, error) {
	audio, err := webrtcpeer.NewLocalAudio(p.audioPath, p.log)
	if err != nil {
		return nil, fmt.Errorf("open local audio: %w", err)
	}
	audio.SetMuted(p.muted.Load())

	capability, err := webrtcpeer.NewCapability(webrtcpeer.CapabilityConfig{
		API:        p.api,
		ICEServers: p.iceServers,
		Audio:      audio,
		Logger:     p.log,
		OnTrack:    p.recorder.HandleTrack,
	})
	if err != nil {
		_ = audio.Close()
		return nil, err
	}

	m, err := negotiation.NewManager(negotiation.Config{
		Capability:      capability,
		Signaler:        sig,
		LocalMedia:      audio,
		Logger:          p.log,
		DisconnectGrace: p.grace,
		OnRemoteTrack: func(remoteID string, t negotiation.RemoteTrack) {
			p.log.Info("receiving audio", "remote_id", remoteID, "track_id", t.ID, "codec", t.Codec)
		},
		OnPeerClosed: func(remoteID string) {
			p.log.Info("peer session closed", "remote_id", remoteID)
		},
	})
	if err != nil {
		_ = audio.Close()
		return nil, err
	}

	p.mu.Lock()
	p.audio = audio
	p.mu.Unlock()
	return m, nil
}

func (p *peerMedia) setMuted(muted bool) {
	p.muted.Store(muted)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audio != nil {
		p.audio.SetMuted(muted)
	}
}

func (p *peerMedia) delivered() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.audio == nil {
		return 0
	}
	return p.audio.Delivered()
}

func runJoin(ctx context.Context, api *apiClient, opts *joinOptions, stdin io.Reader, logger *slog.Logger) error {
	if opts.duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.duration)
		defer cancel()
	}

	token, username := opts.token, strings.TrimSpace(opts.username)
	if opts.password != "" {
		sess, err := api.Login(ctx, username, opts.password)
		if err != nil {
			return fmt.Errorf("login: %w", err)
		}
		token, username = sess.Token, sess.User.Username
	}
	if username == "" && token == "" {
		username = defaultUsername()
	}

	iceServers, err := api.ICEServers(ctx)
	if err != nil {
		return fmt.Errorf("fetch ice servers: %w", err)
	}

	settings := opts.settings()
	settings.LoggerFactory = webrtcpeer.NewLoggerFactory(logger.With("component", "pion"))
	webrtcAPI, err := webrtcpeer.NewAPI(settings)
	if err != nil {
		return fmt.Errorf("configure webrtc: %w", err)
	}
	recorder, err := webrtcpeer.NewRecorder(opts.recordDir, logger)
	if err != nil {
		return fmt.Errorf("prepare recordings: %w", err)
	}

	media := &peerMedia{
		api:        webrtcAPI,
		iceServers: iceServers,
		audioPath:  opts.audioPath,
		grace:      opts.disconnectGrace,
		recorder:   recorder,
		log:        logger,
	}
	media.muted.Store(opts.muted)

	conn, err := client.Dial(ctx, client.Config{
		URL:        api.signalingURL(),
		Token:      token,
		NewManager: media.newManager,
		Logger:     logger,
		Events:     peerEvents(logger),
	})
	if err != nil {
		return err
	}
	defer conn.Close()

	runErr := make(chan error, 1)
	go func() { runErr <- conn.Run(ctx) }()

	id, err := conn.WaitWelcome(ctx)
	if err != nil {
		return err
	}
	logger.Info("connected", "conn_id", id, "server", api.signalingURL())

	if err := conn.JoinRoom(opts.room, username); err != nil {
		return fmt.Errorf("join room: %w", err)
	}
	logger.Info("joined room", "room_id", opts.room, "username", username, "muted", opts.muted)

	var lines <-chan string
	if stdin != nil {
		lines = scanLines(ctx, stdin)
	}

	var statusC <-chan time.Time
	if opts.statusInterval > 0 {
		ticker := time.NewTicker(opts.statusInterval)
		defer ticker.Stop()
		statusC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			logStatus(logger, conn, media, recorder)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil
			}
			return ctx.Err()
		case err := <-runErr:
			if ctx.Err() != nil {
				continue
			}
			return fmt.Errorf("signaling connection lost: %w", err)
		case <-statusC:
			logStatus(logger, conn, media, recorder)
		case line, ok := <-lines:
			if !ok {
				lines = nil
				continue
			}
			quit, err := runCommand(ctx, line, conn, media, recorder, api, logger)
			if err != nil {
				logger.Warn("command failed", "err", err)
			}
			if quit {
				return nil
			}
		}
	}
}

func runCommand(ctx context.Context, line string, conn *client.Conn, media *peerMedia, recorder *webrtcpeer.Recorder, api *apiClient, logger *slog.Logger) (bool, error) {
	c, err := parseCommand(line)
	if errors.Is(err, errEmptyCommand) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	switch c.kind {
	case cmdChat:
		return false, conn.SendChat(c.arg)
	case cmdGlobal:
		return false, conn.SendGlobal(c.arg)
	case cmdName:
		return false, conn.SetUsername(c.arg)
	case cmdJoin:
		return false, conn.JoinRoom(c.arg, conn.Username())
	case cmdLeave:
		return false, conn.LeaveRoom()
	case cmdMute, cmdUnmute:
		media.setMuted(c.kind == cmdMute)
		logger.Info("microphone", "muted", c.kind == cmdMute)
	case cmdStatus:
		logStatus(logger, conn, media, recorder)
	case cmdRooms:
		list, err := api.Rooms(ctx)
		if err != nil {
			return false, err
		}
		logger.Info("rooms", "rooms", list)
	case cmdQuit:
		return true, nil
	}
	return false, nil
}

func scanLines(ctx context.Context, r io.Reader) <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		sc := bufio.NewScanner(r)
		for sc.Scan() {
			select {
			case out <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func logStatus(logger *slog.Logger, conn *client.Conn, media *peerMedia, recorder *webrtcpeer.Recorder) {
	rtt, samples := conn.Latency()
	var peers []negotiation.PeerStatus
	if m := conn.Manager(); m != nil {
		peers = m.Snapshot()
	}
	logger.Info("status",
		"room_id", conn.RoomID(),
		"members", len(conn.Members()),
		"peers", peers,
		"latency", rtt,
		"latency_samples", samples,
		"muted", media.muted.Load(),
		"audio_samples_sent", media.delivered(),
		"rtp_packets_received", recorder.Packets(),
	)
}

func peerEvents(logger *slog.Logger) client.Events {
	return client.Events{
		OnRoomPeers: func(m protocol.RoomPeers) {
			logger.Info("room members", "room_id", m.RoomID, "peers", m.Peers)
		},
		OnUserJoined: func(p protocol.Peer) {
			logger.Info("user joined", "peer_id", p.ID, "username", p.Username)
		},
		OnUserLeft: func(p protocol.Peer) {
			logger.Info("user left", "peer_id", p.ID, "username", p.Username)
		},
		OnChat: func(c protocol.Chat) {
			logger.Info("chat",
				"global", c.Global,
				"from", c.Message.Username,
				"text", c.Message.Text,
				"at", time.UnixMilli(c.Message.TimestampMs).Format(time.TimeOnly),
			)
		},
		OnError: func(e protocol.Error) {
			logger.Warn("server rejected request", "code", e.Code, "message", e.Message)
		},
	}
}
