// Package preview publishes the composite surface to the browser page over
// WebRTC, so the user watches the same annotated stream that gets recorded.
// Surface frames go through an ffmpeg x264 loopback (raw BGR in, RTP out on
// localhost) and the RTP packets are forwarded into a shared local track.
package preview

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"

	"github.com/n0remac/facecam/record"
)

const videoPayloadType = 109

// Publisher owns the preview encoder process and the WebRTC peers watching
// the track.
type Publisher struct {
	frames  record.FrameProvider
	fps     int
	rtpPort int
	log     *zap.Logger

	api   *webrtc.API
	track *webrtc.TrackLocalStaticRTP

	mu      sync.Mutex
	peers   map[string]*webrtc.PeerConnection
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

func New(frames record.FrameProvider, fps, rtpPort int, log *zap.Logger) (*Publisher, error) {
	m := &webrtc.MediaEngine{}
	err := m.RegisterCodec(
		webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:    webrtc.MimeTypeH264,
				ClockRate:   90000,
				SDPFmtpLine: "packetization-mode=1;profile-level-id=42e01f",
			},
			PayloadType: videoPayloadType,
		},
		webrtc.RTPCodecTypeVideo,
	)
	if err != nil {
		return nil, fmt.Errorf("register codec: %w", err)
	}

	track, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264}, "video", "facecam",
	)
	if err != nil {
		return nil, fmt.Errorf("create track: %w", err)
	}

	if fps <= 0 {
		fps = 30
	}
	return &Publisher{
		frames:  frames,
		fps:     fps,
		rtpPort: rtpPort,
		log:     log,
		api:     webrtc.NewAPI(webrtc.WithMediaEngine(m)),
		track:   track,
		peers:   make(map[string]*webrtc.PeerConnection),
	}, nil
}

// Start launches the loopback encoder and the RTP forwarder. No-op when
// already running.
func (p *Publisher) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	w, h, err := waitForSize(p.frames, 2*time.Second)
	if err != nil {
		return err
	}

	cmd := exec.Command("ffmpeg",
		"-hide_banner", "-loglevel", "warning",
		"-f", "rawvideo", "-pix_fmt", "bgr24",
		"-s", fmt.Sprintf("%dx%d", w, h),
		"-r", fmt.Sprint(p.fps),
		"-i", "pipe:0",
		"-c:v", "libx264", "-preset", "ultrafast", "-tune", "zerolatency",
		"-pix_fmt", "yuv420p", "-an",
		"-f", "rtp", "-payload_type", fmt.Sprint(videoPayloadType),
		fmt.Sprintf("rtp://127.0.0.1:%d", p.rtpPort),
	)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("preview encoder stdin: %w", err)
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start preview encoder: %w", err)
	}

	stop := make(chan struct{})
	p.cmd = cmd
	p.stdin = stdin
	p.stop = stop
	p.started = true

	p.wg.Add(1)
	go p.pumpFrames(stdin, w, h, stop)
	p.wg.Add(1)
	go p.pumpRTP(stop)

	p.log.Info("preview started", zap.Int("width", w), zap.Int("height", h))
	return nil
}

// Stop tears down the encoder and closes every watching peer. Idempotent.
func (p *Publisher) Stop() {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return
	}
	p.started = false
	cmd := p.cmd
	stdin := p.stdin
	stop := p.stop
	peers := p.peers
	p.peers = make(map[string]*webrtc.PeerConnection)
	p.cmd = nil
	p.stdin = nil
	p.stop = nil
	p.mu.Unlock()

	close(stop)
	stdin.Close()
	if cmd.Process != nil {
		cmd.Process.Kill()
	}
	cmd.Wait()
	p.wg.Wait()
	for _, pc := range peers {
		pc.Close()
	}
	p.log.Info("preview stopped")
}

// HandleOffer answers a browser's SDP offer with the preview track attached.
// ICE gathering completes before answering, so no trickle is needed.
func (p *Publisher) HandleOffer(id, offerSDP string) (string, error) {
	pc, err := p.api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
	})
	if err != nil {
		return "", fmt.Errorf("new peer connection: %w", err)
	}
	if _, err = pc.AddTrack(p.track); err != nil {
		pc.Close()
		return "", fmt.Errorf("add track: %w", err)
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		p.log.Debug("preview peer state", zap.String("id", id), zap.String("state", s.String()))
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			p.ClosePeer(id)
		}
	})

	if err = pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer, SDP: offerSDP,
	}); err != nil {
		pc.Close()
		return "", fmt.Errorf("set remote description: %w", err)
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		pc.Close()
		return "", fmt.Errorf("create answer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(pc)
	if err = pc.SetLocalDescription(answer); err != nil {
		pc.Close()
		return "", fmt.Errorf("set local description: %w", err)
	}
	<-gathered

	p.mu.Lock()
	if old, ok := p.peers[id]; ok {
		old.Close()
	}
	p.peers[id] = pc
	p.mu.Unlock()
	return pc.LocalDescription().SDP, nil
}

// ClosePeer drops one watcher.
func (p *Publisher) ClosePeer(id string) {
	p.mu.Lock()
	pc, ok := p.peers[id]
	delete(p.peers, id)
	p.mu.Unlock()
	if ok {
		pc.Close()
	}
}

func (p *Publisher) pumpFrames(stdin io.WriteCloser, w, h int, stop chan struct{}) {
	defer p.wg.Done()
	ticker := time.NewTicker(time.Second / time.Duration(p.fps))
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			data, fw, fh, ok := p.frames.Snapshot()
			if !ok || fw != w || fh != h {
				continue
			}
			if _, err := stdin.Write(data); err != nil {
				return
			}
		}
	}
}

// pumpRTP reads the encoder's RTP packets off the loopback socket and
// writes them into the shared track.
func (p *Publisher) pumpRTP(stop chan struct{}) {
	defer p.wg.Done()
	addr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: p.rtpPort}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		p.log.Error("preview rtp listen", zap.Error(err))
		return
	}
	defer conn.Close()
	go func() {
		<-stop
		conn.Close()
	}()

	buf := make([]byte, 1500)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				p.log.Warn("preview rtp read", zap.Error(err))
			}
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil {
			continue
		}
		pkt.Header.PayloadType = videoPayloadType
		if err := p.track.WriteRTP(&pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			p.log.Debug("preview track write", zap.Error(err))
		}
	}
}

func waitForSize(frames record.FrameProvider, timeout time.Duration) (int, int, error) {
	deadline := time.Now().Add(timeout)
	for {
		if _, w, h, ok := frames.Snapshot(); ok {
			return w, h, nil
		}
		if time.Now().After(deadline) {
			return 0, 0, errors.New("no surface frames to preview")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
