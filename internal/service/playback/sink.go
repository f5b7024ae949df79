package playback

import (
	"log"
	"sync"
	"time"

	"github.com/zhouzirui/z-studio/backend/internal/model/speech"
)

// Clip is the audio of one message handed to a sink.
type Clip struct {
	SessionID string
	MessageID string
	Audio     *speech.Audio
}

// Source is one sounding clip. Stop releases it; Done closes when it has
// ended naturally or been stopped.
type Source interface {
	Stop()
	Done() <-chan struct{}
}

// Sink is the single audio output. Start must not block for the length of
// the clip.
type Sink interface {
	Start(clip Clip) (Source, error)
}

// Output receives clips for actual rendering, such as connected browsers.
type Output interface {
	Play(clip Clip) error
	Stop(clip Clip)
}

// ClockSink ends each clip after its playback duration and mirrors start
// and stop to an optional Output.
type ClockSink struct {
	Output Output
	// MinDuration bounds clips whose length cannot be derived.
	MinDuration time.Duration
}

func (s *ClockSink) Start(clip Clip) (Source, error) {
	if s.Output != nil {
		if err := s.Output.Play(clip); err != nil {
			return nil, err
		}
	}

	length := clip.Audio.PlaybackDuration()
	if length < s.MinDuration {
		length = s.MinDuration
	}

	src := &clockSource{
		clip:   clip,
		output: s.Output,
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
	go src.run(length)
	return src, nil
}

type clockSource struct {
	clip     Clip
	output   Output
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
}

func (s *clockSource) run(length time.Duration) {
	timer := time.NewTimer(length)
	defer timer.Stop()
	defer close(s.done)

	select {
	case <-timer.C:
	case <-s.stop:
		if s.output != nil {
			s.output.Stop(s.clip)
		}
		log.Printf("[playback] stopped message=%s", s.clip.MessageID)
	}
}

func (s *clockSource) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

func (s *clockSource) Done() <-chan struct{} { return s.done }
