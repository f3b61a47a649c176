package webrtcpeer

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"
)

// Recorder consumes remote audio tracks, counting RTP packets and, when a
// directory is set, writing each track to an Ogg/Opus file.
type Recorder struct {
	dir string
	log *slog.Logger

	packets atomic.Uint64

	mu     sync.Mutex
	tracks map[string]uint64
}

func NewRecorder(dir string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	return &Recorder{dir: dir, log: logger, tracks: make(map[string]uint64)}, nil
}

// HandleTrack reads track until it ends. It is suitable as
// CapabilityConfig.OnTrack.
func (r *Recorder) HandleTrack(track *webrtc.TrackRemote) {
	key := track.StreamID() + "/" + track.ID()
	log := r.log.With("track", key, "codec", track.Codec().MimeType)

	var w *oggwriter.OggWriter
	if r.dir != "" && track.Kind() == webrtc.RTPCodecTypeAudio {
		path := filepath.Join(r.dir, fmt.Sprintf("%s-%d.ogg", sanitizeFileName(track.ID()), track.SSRC()))
		var err error
		w, err = oggwriter.New(path, 48000, uint16(max(track.Codec().Channels, 1)))
		if err != nil {
			log.Warn("open recording", "path", path, "err", err)
		} else {
			log.Info("recording remote track", "path", path)
		}
	}
	defer func() {
		if w != nil {
			_ = w.Close()
		}
	}()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			log.Debug("remote track ended", "err", err)
			return
		}
		r.packets.Add(1)
		r.mu.Lock()
		r.tracks[key]++
		r.mu.Unlock()
		if w != nil {
			if err := w.WriteRTP(pkt); err != nil {
				log.Warn("write recording", "err", err)
				_ = w.Close()
				w = nil
			}
		}
	}
}

// Packets is the total number of RTP packets received.
func (r *Recorder) Packets() uint64 { return r.packets.Load() }

// Tracks reports packets received per track.
func (r *Recorder) Tracks() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.tracks))
	for k, v := range r.tracks {
		out[k] = v
	}
	return out
}

func sanitizeFileName(s string) string {
	out := []rune(s)
	for i, r := range out {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
		default:
			out[i] = '_'
		}
	}
	if len(out) == 0 {
		return "track"
	}
	return string(out)
}
