package media

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"

	"github.com/lumenchat/call-relay/internal/call"
)

// Engine builds pion-backed media sessions sharing one webrtc.API.
type Engine struct {
	api        *webrtc.API
	iceServers []webrtc.ICEServer
}

type EngineConfig struct {
	ICEServers []webrtc.ICEServer
	// Verbose raises pion's internal logging from warnings to debug.
	Verbose bool
}

func NewEngine(cfg EngineConfig) *Engine {
	lf := logging.NewDefaultLoggerFactory()
	lf.DefaultLogLevel = logging.LogLevelWarn
	if cfg.Verbose {
		lf.DefaultLogLevel = logging.LogLevelDebug
	}
	se := webrtc.SettingEngine{LoggerFactory: lf}
	return &Engine{
		api:        webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		iceServers: cfg.ICEServers,
	}
}

func (e *Engine) NewSession(kind call.MediaKind, events SessionEvents) (Session, error) {
	pc, err := e.api.NewPeerConnection(webrtc.Configuration{ICEServers: e.iceServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	// Negotiate recvonly transceivers up front so the offer advertises the
	// call's media kinds even before local tracks are attached.
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio); err != nil {
		_ = pc.Close()
		return nil, err
	}
	if kind == call.MediaKindVideo {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo); err != nil {
			_ = pc.Close()
			return nil, err
		}
	}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if events.OnLocalCandidate == nil {
			return
		}
		if cand == nil {
			events.OnLocalCandidate(webrtc.ICECandidateInit{})
			return
		}
		events.OnLocalCandidate(cand.ToJSON())
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateConnected:
			if events.OnConnected != nil {
				events.OnConnected()
			}
		case webrtc.PeerConnectionStateFailed:
			if events.OnFailed != nil {
				events.OnFailed()
			}
		}
	})

	return &pionSession{pc: pc}, nil
}

type pionSession struct {
	pc *webrtc.PeerConnection
}

func (s *pionSession) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return offer, nil
}

func (s *pionSession) CreateAnswer(remote webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	if err := s.pc.SetRemoteDescription(remote); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set remote description: %w", err)
	}
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local description: %w", err)
	}
	return answer, nil
}

func (s *pionSession) SetRemoteDescription(remote webrtc.SessionDescription) error {
	return s.pc.SetRemoteDescription(remote)
}

func (s *pionSession) AddRemoteCandidate(init webrtc.ICECandidateInit) error {
	return s.pc.AddICECandidate(init)
}

func (s *pionSession) ReplaceTrack(kind call.MediaKind, track webrtc.TrackLocal) error {
	var want webrtc.RTPCodecType
	switch kind {
	case call.MediaKindAudio:
		want = webrtc.RTPCodecTypeAudio
	case call.MediaKindVideo:
		want = webrtc.RTPCodecTypeVideo
	default:
		return fmt.Errorf("unsupported track kind %q", kind)
	}
	for _, tr := range s.pc.GetTransceivers() {
		if tr.Kind() != want || tr.Sender() == nil {
			continue
		}
		return tr.Sender().ReplaceTrack(track)
	}
	return ErrNoSuchTrack
}

func (s *pionSession) Close() error {
	return s.pc.Close()
}
