package webrtcpeer

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

const opusFrameDuration = 20 * time.Millisecond

// opusSilence is a single 20ms Opus frame of digital silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// audioSource yields Opus packets in playback order.
type audioSource interface {
	Next() ([]byte, time.Duration, error)
	Close() error
}

type silenceSource struct{}

func (silenceSource) Next() ([]byte, time.Duration, error) { return opusSilence, opusFrameDuration, nil }
func (silenceSource) Close() error                          { return nil }

// oggSource plays an Ogg/Opus file, looping at EOF.
type oggSource struct {
	path string

	f           *os.File
	reader      *oggreader.OggReader
	lastGranule uint64
}

func newOggSource(path string) (*oggSource, error) {
	s := &oggSource{path: path}
	if err := s.open(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *oggSource) open() error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	reader, _, err := oggreader.NewWith(f)
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("read ogg header %s: %w", s.path, err)
	}
	s.f, s.reader, s.lastGranule = f, reader, 0
	return nil
}

func (s *oggSource) Next() ([]byte, time.Duration, error) {
	for attempt := 0; attempt < 2; attempt++ {
		page, header, err := s.reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			_ = s.f.Close()
			if err := s.open(); err != nil {
				return nil, 0, err
			}
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		samples := header.GranulePosition - s.lastGranule
		s.lastGranule = header.GranulePosition
		duration := time.Duration(samples) * time.Second / 48000
		if duration <= 0 {
			duration = opusFrameDuration
		}
		return page, duration, nil
	}
	return nil, 0, fmt.Errorf("ogg source %s has no audio pages", s.path)
}

func (s *oggSource) Close() error {
	return s.f.Close()
}

// LocalAudio is the single local capture shared by every outgoing session.
// Muting stops sample delivery; the source keeps advancing so unmuting
// resumes in real time.
type LocalAudio struct {
	track  *webrtc.TrackLocalStaticSample
	source audioSource
	log    *slog.Logger

	// write is track.WriteSample outside of tests.
	write func(media.Sample) error

	muted     atomic.Bool
	delivered atomic.Uint64

	stop      chan struct{}
	stopped   chan struct{}
	startOnce sync.Once
	closeOnce sync.Once
}

// NewLocalAudio creates the shared Opus track. An empty path plays silence;
// otherwise path names an Ogg/Opus file that is played on a loop.
func NewLocalAudio(path string, logger *slog.Logger) (*LocalAudio, error) {
	if logger == nil {
		logger = slog.Default()
	}
	track, err := webrtc.NewTrackLocalStaticSample(opusCapability, "audio", "voice-rooms")
	if err != nil {
		return nil, err
	}

	var source audioSource = silenceSource{}
	if path != "" {
		s, err := newOggSource(path)
		if err != nil {
			return nil, err
		}
		source = s
	}

	a := newLocalAudio(track, source, logger)
	a.write = track.WriteSample
	return a, nil
}

func newLocalAudio(track *webrtc.TrackLocalStaticSample, source audioSource, logger *slog.Logger) *LocalAudio {
	return &LocalAudio{
		track:   track,
		source:  source,
		log:     logger,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

func (a *LocalAudio) Track() *webrtc.TrackLocalStaticSample { return a.track }

// Start begins feeding samples. It is safe to call more than once.
func (a *LocalAudio) Start() {
	a.startOnce.Do(func() { go a.feed() })
}

func (a *LocalAudio) SetMuted(muted bool) { a.muted.Store(muted) }

func (a *LocalAudio) Muted() bool { return a.muted.Load() }

// Delivered is the number of samples written to the track.
func (a *LocalAudio) Delivered() uint64 { return a.delivered.Load() }

// Close stops the feeder and releases the source.
func (a *LocalAudio) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.stop)
		started := true
		a.startOnce.Do(func() { started = false })
		if started {
			<-a.stopped
		}
		err = a.source.Close()
	})
	return err
}

func (a *LocalAudio) feed() {
	defer close(a.stopped)

	ticker := time.NewTicker(opusFrameDuration)
	defer ticker.Stop()
	for {
		select {
		case <-a.stop:
			return
		case <-ticker.C:
		}

		data, duration, err := a.source.Next()
		if err != nil {
			a.log.Warn("local audio source failed", "err", err)
			return
		}
		if a.muted.Load() {
			continue
		}
		if err := a.write(media.Sample{Data: data, Duration: duration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
			a.log.Debug("write local audio sample", "err", err)
			continue
		}
		a.delivered.Add(1)
	}
}
