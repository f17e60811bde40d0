package audio

import (
	"fmt"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"
)

// Speaker is a playback sink. Write hands off pcm for playout, Flush
// discards anything not yet audible, Close releases the device.
type Speaker interface {
	Write(pcm []byte) error
	Flush()
	Close() error
}

// DiscardSpeaker consumes audio without a device. Used headless and in
// tests.
type DiscardSpeaker struct{}

func (DiscardSpeaker) Write([]byte) error { return nil }
func (DiscardSpeaker) Flush()             {}
func (DiscardSpeaker) Close() error       { return nil }

// OtoSpeaker plays s16le PCM through the default output device. The
// oto player pulls from an internal buffer via io.Reader, so Write
// never blocks on the device.
type OtoSpeaker struct {
	otoCtx *oto.Context
	player *oto.Player

	mu      sync.Mutex
	cond    *sync.Cond
	buf     []byte
	playing bool
	closed  bool
}

// NewOtoSpeaker initializes the output device and waits for it to be
// ready.
func NewOtoSpeaker(f Format) (*OtoSpeaker, error) {
	if f.SampleRate <= 0 {
		f = PlaybackFormat
	}
	otoCtx, ready, err := oto.NewContext(&oto.NewContextOptions{
		SampleRate:   f.SampleRate,
		ChannelCount: f.Channels,
		Format:       oto.FormatSignedInt16LE,
		BufferSize:   100 * time.Millisecond,
	})
	if err != nil {
		return nil, fmt.Errorf("init speaker: %w", err)
	}
	<-ready

	s := &OtoSpeaker{otoCtx: otoCtx}
	s.cond = sync.NewCond(&s.mu)
	return s, nil
}

// Write buffers pcm and starts the player on first use.
func (s *OtoSpeaker) Write(pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("speaker closed")
	}
	s.buf = append(s.buf, pcm...)
	if !s.playing {
		s.playing = true
		s.player = s.otoCtx.NewPlayer(s)
		s.player.Play()
	}
	s.cond.Signal()
	return nil
}

// Read implements io.Reader for the oto player pull loop.
func (s *OtoSpeaker) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for len(s.buf) == 0 && !s.closed {
		s.cond.Wait()
	}
	if s.closed && len(s.buf) == 0 {
		// Feed silence so oto drains instead of erroring mid-teardown.
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	n := copy(p, s.buf)
	s.buf = s.buf[n:]
	return n, nil
}

// Flush drops buffered audio and resets the player so stale speech
// cannot overlap what comes next.
func (s *OtoSpeaker) Flush() {
	s.mu.Lock()
	s.buf = s.buf[:0]
	if s.player != nil && s.playing {
		s.playing = false
		player := s.player
		s.player = nil
		s.mu.Unlock()

		player.Pause()
		player.Reset()
		player.Close()
		return
	}
	s.mu.Unlock()
}

// Close wakes any blocked Read and releases the player.
func (s *OtoSpeaker) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	player := s.player
	s.player = nil
	s.cond.Broadcast()
	s.mu.Unlock()

	if player != nil {
		player.Close()
	}
	return nil
}

// Mark is a playback progress report.
type Mark struct {
	State      string // "playing", "finished", "stopped"
	Turn       int64
	PlayedMS   int64
	BufferedMS int64
}

// SchedulerConfig shapes playback pacing.
type SchedulerConfig struct {
	Format       Format
	Tick         time.Duration
	MarkInterval time.Duration
	OnMark       func(Mark)
}

// Scheduler sits between the session and the speaker. Model audio is
// enqueued as it streams in; a tick loop feeds the speaker one tick's
// worth of bytes at a time, so the pending buffer drains at the
// realtime rate and the derived playback clock advances with the wall
// clock. The reported played position is monotonic: it never moves
// backwards, not even across a Flush.
type Scheduler struct {
	cfg     SchedulerConfig
	speaker Speaker

	mu               sync.Mutex
	turn             int64
	active           bool
	pending          []byte
	enqueuedBytes    int64
	playedBytes      int64
	droppedBytes     int64
	reportedPlayedMS int64
	endPending       bool
	lastMarkAt       time.Time

	done      chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
	errCh     chan error
	closeOnce sync.Once
}

// NewScheduler starts the tick loop. The scheduler owns the speaker
// and closes it on Close.
func NewScheduler(cfg SchedulerConfig, speaker Speaker) *Scheduler {
	if cfg.Format.SampleRate <= 0 {
		cfg.Format = PlaybackFormat
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 20 * time.Millisecond
	}
	if cfg.MarkInterval <= 0 {
		cfg.MarkInterval = 200 * time.Millisecond
	}
	if speaker == nil {
		speaker = DiscardSpeaker{}
	}
	s := &Scheduler{
		cfg:     cfg,
		speaker: speaker,
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
		errCh:   make(chan error, 1),
	}
	go s.run()
	return s
}

// ErrCh reports the first speaker failure.
func (s *Scheduler) ErrCh() <-chan error {
	return s.errCh
}

// Enqueue appends one chunk of model speech. The first chunk after
// idle opens a new turn. Odd trailing bytes are trimmed to keep the
// buffer sample-aligned.
func (s *Scheduler) Enqueue(pcm []byte) {
	pcm = pcm[:s.cfg.Format.AlignDown(len(pcm))]
	if len(pcm) == 0 {
		return
	}
	s.mu.Lock()
	if !s.active {
		s.active = true
		s.turn++
		s.endPending = false
		s.lastMarkAt = time.Time{}
	}
	s.pending = append(s.pending, pcm...)
	s.enqueuedBytes += int64(len(pcm))
	s.mu.Unlock()
}

// MarkTurnEnd notes that the current turn has no more audio coming.
// Once the pending buffer drains, a "finished" mark is emitted and the
// scheduler returns to idle.
func (s *Scheduler) MarkTurnEnd() {
	var mark *Mark
	s.mu.Lock()
	if s.active {
		s.endPending = true
		if len(s.pending) == 0 {
			mark = s.finishTurnLocked()
		}
	}
	s.mu.Unlock()
	s.emitMark(mark)
}

// Flush drops all pending audio and flushes the speaker. Used on
// interruption. Dropped bytes fold into the monotonic baseline so the
// clock keeps its high-water mark.
func (s *Scheduler) Flush() {
	var mark *Mark
	s.mu.Lock()
	if s.active {
		m := s.buildMarkLocked("stopped")
		mark = &m
	}
	s.droppedBytes += int64(len(s.pending))
	s.pending = nil
	s.active = false
	s.endPending = false
	s.mu.Unlock()

	s.speaker.Flush()
	s.emitMark(mark)
}

// PlayedMS returns the monotonic played clock.
func (s *Scheduler) PlayedMS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.playedMSLocked()
}

// BufferedMS returns how much enqueued audio has not yet been fed out.
func (s *Scheduler) BufferedMS() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Format.BytesToMS(int64(len(s.pending)))
}

// Close stops the tick loop and closes the speaker. Idempotent.
func (s *Scheduler) Close() error {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
	var err error
	s.closeOnce.Do(func() { err = s.speaker.Close() })
	return err
}

func (s *Scheduler) run() {
	defer close(s.done)
	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.onTick()
		}
	}
}

func (s *Scheduler) onTick() {
	bytesPerTick := int(int64(s.cfg.Format.BytesPerSecond()) * int64(s.cfg.Tick) / int64(time.Second))
	if bytesPerTick <= 0 {
		bytesPerTick = s.cfg.Format.FrameBytes()
	}

	var (
		toPlay []byte
		mark   *Mark
	)

	s.mu.Lock()
	if s.active && len(s.pending) > 0 {
		n := bytesPerTick
		if n > len(s.pending) {
			n = len(s.pending)
		}
		toPlay = append([]byte(nil), s.pending[:n]...)
		s.pending = s.pending[n:]
		s.playedBytes += int64(n)
	}

	now := time.Now()
	if s.active && (s.lastMarkAt.IsZero() || now.Sub(s.lastMarkAt) >= s.cfg.MarkInterval) {
		s.lastMarkAt = now
		m := s.buildMarkLocked("playing")
		mark = &m
	}
	if s.active && s.endPending && len(s.pending) == 0 {
		mark = s.finishTurnLocked()
	}
	s.mu.Unlock()

	if len(toPlay) > 0 {
		if err := s.speaker.Write(toPlay); err != nil {
			s.emitErr(err)
		}
	}
	s.emitMark(mark)
}

func (s *Scheduler) finishTurnLocked() *Mark {
	m := s.buildMarkLocked("finished")
	s.active = false
	s.endPending = false
	return &m
}

func (s *Scheduler) playedMSLocked() int64 {
	ms := s.cfg.Format.BytesToMS(s.playedBytes + s.droppedBytes)
	if ms < s.reportedPlayedMS {
		ms = s.reportedPlayedMS
	}
	return ms
}

func (s *Scheduler) buildMarkLocked(state string) Mark {
	played := s.playedMSLocked()
	if played > s.reportedPlayedMS {
		s.reportedPlayedMS = played
	}
	return Mark{
		State:      state,
		Turn:       s.turn,
		PlayedMS:   played,
		BufferedMS: s.cfg.Format.BytesToMS(int64(len(s.pending))),
	}
}

func (s *Scheduler) emitMark(mark *Mark) {
	if mark == nil || s.cfg.OnMark == nil {
		return
	}
	s.cfg.OnMark(*mark)
}

func (s *Scheduler) emitErr(err error) {
	if err == nil {
		return
	}
	select {
	case s.errCh <- err:
	default:
	}
}
