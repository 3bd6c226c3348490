package playback

import (
	"fmt"

	"github.com/gen2brain/malgo"
	"github.com/lokutor-ai/lokutor-narrator/pkg/stream"
)

// Output drives a Player from the default playback device.
type Output struct {
	ctx    *malgo.AllocatedContext
	device *malgo.Device
	log    stream.Logger
}

func OpenOutput(p *Player, log stream.Logger) (*Output, error) {
	if log == nil {
		log = &stream.NoOpLogger{}
	}
	mctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return nil, fmt.Errorf("init audio context: %w", err)
	}

	cfg := p.Config()
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatS16
	deviceConfig.Playback.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.Alsa.NoMMap = 1

	device, err := malgo.InitDevice(mctx.Context, deviceConfig, malgo.DeviceCallbacks{
		Data: func(pOutput, _ []byte, _ uint32) {
			if pOutput != nil {
				p.Render(pOutput)
			}
		},
	})
	if err != nil {
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("init playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		_ = mctx.Uninit()
		mctx.Free()
		return nil, fmt.Errorf("start playback device: %w", err)
	}

	log.Info("playback device started", "rate", cfg.SampleRate, "channels", cfg.Channels)
	return &Output{ctx: mctx, device: device, log: log}, nil
}

func (o *Output) Close() error {
	if o == nil {
		return nil
	}
	o.device.Uninit()
	err := o.ctx.Uninit()
	o.ctx.Free()
	o.log.Info("playback device closed")
	return err
}
