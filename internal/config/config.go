package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/lokutor-ai/lokutor-narrator/pkg/audio"
	"github.com/lokutor-ai/lokutor-narrator/pkg/playback"
	"github.com/lokutor-ai/lokutor-narrator/pkg/recorder"
	"github.com/lokutor-ai/lokutor-narrator/pkg/stream"
	"github.com/lokutor-ai/lokutor-narrator/pkg/transport"
	"gopkg.in/yaml.v3"
)

const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

type Config struct {
	Session   SessionConfig   `yaml:"session"`
	Transport TransportConfig `yaml:"transport"`
	Audio     AudioConfig     `yaml:"audio"`
	Batching  BatchingConfig  `yaml:"batching"`
	Lifecycle LifecycleConfig `yaml:"lifecycle"`
	Playback  PlaybackConfig  `yaml:"playback"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Document  DocumentConfig  `yaml:"document"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type SessionConfig struct {
	// ID is generated when empty.
	ID          string `yaml:"id"`
	Language    string `yaml:"language"`
	Instruction string `yaml:"instruction"`
}

type TransportConfig struct {
	Mode           string     `yaml:"mode"`
	URL            string     `yaml:"url"`
	APIKey         string     `yaml:"api_key"`
	ConnectTimeout int        `yaml:"connect_timeout_ms"`
	WriteTimeout   int        `yaml:"write_timeout_ms"`
	SendQueue      int        `yaml:"send_queue"`
	NATS           NATSConfig `yaml:"nats"`
}

type NATSConfig struct {
	Embedded      bool     `yaml:"embedded"`
	Port          int      `yaml:"port"`
	Servers       []string `yaml:"servers"`
	SubjectPrefix string   `yaml:"subject_prefix"`
}

type AudioConfig struct {
	SampleRate    int  `yaml:"sample_rate"`
	Channels      int  `yaml:"channels"`
	BitDepth      int  `yaml:"bit_depth"`
	PCMContext    bool `yaml:"pcm_context"`
	MinChunkBytes int  `yaml:"min_chunk_bytes"`
}

type BatchingConfig struct {
	SizeThreshold       int `yaml:"size_threshold"`
	FirstBatchThreshold int `yaml:"first_batch_threshold"`
	IdleGapMS           int `yaml:"idle_gap_ms"`
	FlushDelayMS        int `yaml:"flush_delay_ms"`
}

type LifecycleConfig struct {
	WatchdogMS    int  `yaml:"watchdog_ms"`
	SettleDelayMS int  `yaml:"settle_delay_ms"`
	AutoAdvance   bool `yaml:"auto_advance"`
}

type PlaybackConfig struct {
	Enabled          bool `yaml:"enabled"`
	RequireGesture   bool `yaml:"require_gesture"`
	DeviceSampleRate int  `yaml:"device_sample_rate"`
	DeviceChannels   int  `yaml:"device_channels"`
}

type RecorderConfig struct {
	Enabled       bool    `yaml:"enabled"`
	HandsFree     bool    `yaml:"hands_free"`
	VADThreshold  float64 `yaml:"vad_threshold"`
	EchoThreshold float64 `yaml:"echo_threshold"`
	SilenceMS     int     `yaml:"silence_ms"`
}

type DocumentConfig struct {
	Path string `yaml:"path"`
}

type TelemetryConfig struct {
	LogLevel    string `yaml:"log_level"`
	MetricsBind string `yaml:"metrics_bind"`
}

func Default() Config {
	return Config{
		Session: SessionConfig{
			Language: "en",
		},
		Transport: TransportConfig{
			Mode:           TransportWebSocket,
			URL:            "wss://api.lokutor.com/v1/realtime",
			ConnectTimeout: 5000,
			WriteTimeout:   10000,
			SendQueue:      256,
			NATS: NATSConfig{
				Port:          4222,
				Servers:       []string{"nats://localhost:4222"},
				SubjectPrefix: "narrator",
			},
		},
		Audio: AudioConfig{
			SampleRate:    24000,
			Channels:      1,
			BitDepth:      16,
			PCMContext:    true,
			MinChunkBytes: 10,
		},
		Batching: BatchingConfig{
			SizeThreshold:       5,
			FirstBatchThreshold: 3,
			IdleGapMS:           1000,
			FlushDelayMS:        300,
		},
		Lifecycle: LifecycleConfig{
			WatchdogMS:    10000,
			SettleDelayMS: 500,
			AutoAdvance:   true,
		},
		Playback: PlaybackConfig{
			Enabled:          true,
			DeviceSampleRate: 24000,
			DeviceChannels:   1,
		},
		Recorder: RecorderConfig{
			Enabled:       true,
			VADThreshold:  0.02,
			EchoThreshold: 0.15,
			SilenceMS:     500,
		},
		Telemetry: TelemetryConfig{
			LogLevel:    "info",
			MetricsBind: ":9091",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.Session.ID, "NARRATOR_SESSION_ID")
	overrideString(&cfg.Session.Language, "NARRATOR_SESSION_LANGUAGE")
	overrideString(&cfg.Session.Instruction, "NARRATOR_SESSION_INSTRUCTION")
	overrideString(&cfg.Transport.Mode, "NARRATOR_TRANSPORT_MODE")
	overrideString(&cfg.Transport.URL, "NARRATOR_TRANSPORT_URL")
	overrideString(&cfg.Transport.APIKey, "NARRATOR_TRANSPORT_API_KEY")
	overrideString(&cfg.Transport.APIKey, "LOKUTOR_API_KEY")
	overrideInt(&cfg.Transport.ConnectTimeout, "NARRATOR_TRANSPORT_CONNECT_TIMEOUT_MS")
	overrideInt(&cfg.Transport.WriteTimeout, "NARRATOR_TRANSPORT_WRITE_TIMEOUT_MS")
	overrideInt(&cfg.Transport.SendQueue, "NARRATOR_TRANSPORT_SEND_QUEUE")
	overrideBool(&cfg.Transport.NATS.Embedded, "NARRATOR_NATS_EMBEDDED")
	overrideInt(&cfg.Transport.NATS.Port, "NARRATOR_NATS_PORT")
	overrideStringSlice(&cfg.Transport.NATS.Servers, "NARRATOR_NATS_SERVERS")
	overrideString(&cfg.Transport.NATS.SubjectPrefix, "NARRATOR_NATS_SUBJECT_PREFIX")
	overrideInt(&cfg.Audio.SampleRate, "NARRATOR_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.Channels, "NARRATOR_AUDIO_CHANNELS")
	overrideInt(&cfg.Audio.BitDepth, "NARRATOR_AUDIO_BIT_DEPTH")
	overrideBool(&cfg.Audio.PCMContext, "NARRATOR_AUDIO_PCM_CONTEXT")
	overrideInt(&cfg.Audio.MinChunkBytes, "NARRATOR_AUDIO_MIN_CHUNK_BYTES")
	overrideInt(&cfg.Batching.SizeThreshold, "NARRATOR_BATCHING_SIZE_THRESHOLD")
	overrideInt(&cfg.Batching.FirstBatchThreshold, "NARRATOR_BATCHING_FIRST_BATCH_THRESHOLD")
	overrideInt(&cfg.Batching.IdleGapMS, "NARRATOR_BATCHING_IDLE_GAP_MS")
	overrideInt(&cfg.Batching.FlushDelayMS, "NARRATOR_BATCHING_FLUSH_DELAY_MS")
	overrideInt(&cfg.Lifecycle.WatchdogMS, "NARRATOR_LIFECYCLE_WATCHDOG_MS")
	overrideInt(&cfg.Lifecycle.SettleDelayMS, "NARRATOR_LIFECYCLE_SETTLE_DELAY_MS")
	overrideBool(&cfg.Lifecycle.AutoAdvance, "NARRATOR_LIFECYCLE_AUTO_ADVANCE")
	overrideBool(&cfg.Playback.Enabled, "NARRATOR_PLAYBACK_ENABLED")
	overrideBool(&cfg.Playback.RequireGesture, "NARRATOR_PLAYBACK_REQUIRE_GESTURE")
	overrideInt(&cfg.Playback.DeviceSampleRate, "NARRATOR_PLAYBACK_DEVICE_SAMPLE_RATE")
	overrideInt(&cfg.Playback.DeviceChannels, "NARRATOR_PLAYBACK_DEVICE_CHANNELS")
	overrideBool(&cfg.Recorder.Enabled, "NARRATOR_RECORDER_ENABLED")
	overrideBool(&cfg.Recorder.HandsFree, "NARRATOR_RECORDER_HANDS_FREE")
	overrideFloat(&cfg.Recorder.VADThreshold, "NARRATOR_RECORDER_VAD_THRESHOLD")
	overrideFloat(&cfg.Recorder.EchoThreshold, "NARRATOR_RECORDER_ECHO_THRESHOLD")
	overrideInt(&cfg.Recorder.SilenceMS, "NARRATOR_RECORDER_SILENCE_MS")
	overrideString(&cfg.Document.Path, "NARRATOR_DOCUMENT_PATH")
	overrideString(&cfg.Telemetry.LogLevel, "NARRATOR_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.MetricsBind, "NARRATOR_TELEMETRY_METRICS_BIND")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		var trimmed []string
		for _, p := range strings.Split(value, ",") {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	switch cfg.Transport.Mode {
	case TransportWebSocket:
		if cfg.Transport.URL == "" {
			return errors.New("transport.url must be set for websocket mode")
		}
	case TransportNATS:
		if !cfg.Transport.NATS.Embedded && len(cfg.Transport.NATS.Servers) == 0 {
			return errors.New("transport.nats.servers must be set unless the server is embedded")
		}
	default:
		return fmt.Errorf("transport.mode must be %q or %q, got %q", TransportWebSocket, TransportNATS, cfg.Transport.Mode)
	}
	spec := audio.PCMSpec{SampleRate: cfg.Audio.SampleRate, Channels: cfg.Audio.Channels, BitDepth: cfg.Audio.BitDepth}
	if !spec.Valid() {
		return errors.New("audio sample_rate, channels and bit_depth must describe valid PCM")
	}
	if cfg.Audio.MinChunkBytes < 0 {
		return errors.New("audio.min_chunk_bytes must not be negative")
	}
	if cfg.Batching.SizeThreshold <= 0 || cfg.Batching.FirstBatchThreshold <= 0 {
		return errors.New("batching thresholds must be positive")
	}
	if cfg.Batching.FirstBatchThreshold > cfg.Batching.SizeThreshold {
		return errors.New("batching.first_batch_threshold must not exceed size_threshold")
	}
	if cfg.Batching.IdleGapMS <= 0 || cfg.Batching.FlushDelayMS <= 0 {
		return errors.New("batching delays must be positive")
	}
	if cfg.Lifecycle.WatchdogMS <= 0 {
		return errors.New("lifecycle.watchdog_ms must be positive")
	}
	if cfg.Lifecycle.SettleDelayMS < 0 {
		return errors.New("lifecycle.settle_delay_ms must not be negative")
	}
	if cfg.Recorder.VADThreshold <= 0 || cfg.Recorder.VADThreshold >= 1 {
		return errors.New("recorder.vad_threshold must be between 0 and 1")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("telemetry.log_level %q is not one of debug, info, warn, error", cfg.Telemetry.LogLevel)
	}
	return nil
}

func ms(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// StreamConfig maps the audio, batching and lifecycle sections onto the
// playback pipeline configuration.
func (c Config) StreamConfig() stream.Config {
	return stream.Config{
		PCM: audio.PCMSpec{
			SampleRate: c.Audio.SampleRate,
			Channels:   c.Audio.Channels,
			BitDepth:   c.Audio.BitDepth,
		},
		PCMContext:          c.Audio.PCMContext,
		MinChunkBytes:       c.Audio.MinChunkBytes,
		SizeThreshold:       c.Batching.SizeThreshold,
		FirstBatchThreshold: c.Batching.FirstBatchThreshold,
		IdleGap:             ms(c.Batching.IdleGapMS),
		FlushDelay:          ms(c.Batching.FlushDelayMS),
		Watchdog:            ms(c.Lifecycle.WatchdogMS),
		SettleDelay:         ms(c.Lifecycle.SettleDelayMS),
		AutoAdvance:         c.Lifecycle.AutoAdvance,
	}
}

func (c Config) WebSocketConfig() transport.WebSocketConfig {
	return transport.WebSocketConfig{
		URL:          c.Transport.URL,
		APIKey:       c.Transport.APIKey,
		DialTimeout:  ms(c.Transport.ConnectTimeout),
		WriteTimeout: ms(c.Transport.WriteTimeout),
		SendQueue:    c.Transport.SendQueue,
	}
}

func (c Config) NATSConfig() transport.NATSConfig {
	return transport.NATSConfig{
		Servers:        c.Transport.NATS.Servers,
		SubjectPrefix:  c.Transport.NATS.SubjectPrefix,
		ConnectTimeout: ms(c.Transport.ConnectTimeout),
	}
}

func (c Config) PlaybackConfig() playback.Config {
	return playback.Config{
		SampleRate:     c.Playback.DeviceSampleRate,
		Channels:       c.Playback.DeviceChannels,
		RequireGesture: c.Playback.RequireGesture,
	}
}

func (c Config) RecorderConfig() recorder.Config {
	cfg := recorder.DefaultConfig()
	cfg.HandsFree = c.Recorder.HandsFree
	cfg.Threshold = c.Recorder.VADThreshold
	cfg.EchoThreshold = c.Recorder.EchoThreshold
	cfg.SilenceLimit = ms(c.Recorder.SilenceMS)
	return cfg
}
