package recorder

import (
	"fmt"

	"github.com/gen2brain/malgo"
	"github.com/lokutor-ai/lokutor-narrator/pkg/stream"
)

// Capture feeds the default microphone into a Recorder as 16-bit PCM.
type Capture struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	log    stream.Logger
}

func OpenCapture(r *Recorder, sampleRate, channels int, log stream.Logger) (*Capture, error) {
	if log == nil {
		log = &stream.NoOpLogger{}
	}
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatS16
	deviceConfig.Capture.Channels = uint32(channels)
	deviceConfig.SampleRate = uint32(sampleRate)
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, _ uint32) {
			if pInput == nil {
				return
			}
			// malgo reuses the buffer after the callback returns
			chunk := append([]byte(nil), pInput...)
			if err := r.Write(chunk); err != nil {
				log.Warn("failed to forward captured audio", "error", err)
			}
		},
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("start capture device: %w", err)
	}

	log.Info("capture device started", "rate", sampleRate, "channels", channels)
	return &Capture{ctx: mctx, device: device, log: log}, nil
}

func (c *Capture) Close() error {
	if c == nil {
		return nil
	}
	c.device.Uninit()
	err := c.ctx.Uninit()
	c.ctx.Free()
	c.log.Info("capture device closed")
	return err
}
