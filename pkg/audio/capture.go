package audio

import (
	"fmt"
	"io"
	"sync"

	"github.com/gen2brain/malgo"
)

// MicConfig shapes microphone capture. Zero values fall back to the
// service's 16 kHz mono with 20 ms device periods.
type MicConfig struct {
	SampleRate int
	Channels   int
	PeriodMS   int
}

// Mic captures s16le PCM from the default input device. Read blocks
// until captured bytes are available; after Close it returns io.EOF
// once the residue is drained.
type Mic struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device

	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool

	closeOnce sync.Once
}

// OpenMic initializes the capture device and starts recording.
func OpenMic(cfg MicConfig) (*Mic, error) {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = CaptureFormat.SampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = CaptureFormat.Channels
	}
	if cfg.PeriodMS <= 0 {
		cfg.PeriodMS = 20
	}

	ctxConfig := malgo.ContextConfig{}
	ctxConfig.ThreadPriority = malgo.ThreadPriorityRealtime
	mctx, err := malgo.InitContext(nil, ctxConfig, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	m := &Mic{
		ctx: mctx,
		buf: make([]byte, 0, cfg.SampleRate*BytesPerSample),
	}
	m.cond = sync.NewCond(&m.mu)

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInMilliseconds = uint32(cfg.PeriodMS)

	callbacks := malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			m.mu.Lock()
			if !m.closed {
				m.buf = append(m.buf, input...)
			}
			m.mu.Unlock()
			m.cond.Signal()
		},
	}

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, callbacks)
	if err != nil {
		_ = mctx.Uninit()
		return nil, fmt.Errorf("init microphone: %w", err)
	}
	m.device = device

	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		return nil, fmt.Errorf("start microphone: %w", err)
	}
	return m, nil
}

// Read copies captured bytes into p, blocking until data arrives.
func (m *Mic) Read(p []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.buf) == 0 && !m.closed {
		m.cond.Wait()
	}
	if len(m.buf) == 0 && m.closed {
		return 0, io.EOF
	}
	n := copy(p, m.buf)
	m.buf = m.buf[n:]
	return n, nil
}

// Close stops capture and releases the device. Safe to call twice;
// wakes any blocked Read.
func (m *Mic) Close() error {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.mu.Unlock()
		m.cond.Broadcast()

		if m.device != nil {
			_ = m.device.Stop()
			m.device.Uninit()
		}
		if m.ctx != nil {
			_ = m.ctx.Uninit()
		}
	})
	return nil
}
