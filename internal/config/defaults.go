package config

import "time"

// Default values applied by [ApplyDefaults].
const (
	DefaultListenAddr = ":8080"
	DefaultLogLevel   = LogInfo

	DefaultSampleRate      = 16000
	DefaultASRWindow       = 500 * time.Millisecond
	DefaultASRSlide        = 250 * time.Millisecond
	DefaultASRQueueSize    = 100
	DefaultASRTimeout      = 10 * time.Second
	DefaultMaxHistoryPairs = 10
	DefaultTemperature     = 0.7
	DefaultMaxTokens       = 150
	DefaultLLMTimeout      = 30 * time.Second
	DefaultFrame           = 20 * time.Millisecond
	DefaultSegmentChars    = 100
	DefaultVoice           = "female"
	DefaultLanguage        = "en"
	DefaultTTSTimeout      = 15 * time.Second
	DefaultMaxRetries      = 2
	DefaultBackoff         = 200 * time.Millisecond
	DefaultPollInterval    = time.Second

	DefaultTransportPath  = "/v1/stream"
	DefaultOutboundBuffer = 256

	DefaultStatsWindow = 100

	DefaultHealthInterval = 30 * time.Second
	DefaultHealthTimeout  = 3 * time.Second
	DefaultDegradedAfter  = 2
	DefaultFailedAfter    = 3

	DefaultServiceName = "parley"
)

// ApplyDefaults fills every zero value of cfg with its default. A numeric
// field explicitly set to 0 is indistinguishable from an unset one and also
// receives the default.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, DefaultLogLevel)

	p := &cfg.Pipeline
	setDefault(&p.ASR.SampleRate, DefaultSampleRate)
	setDefault(&p.ASR.Window, DefaultASRWindow)
	setDefault(&p.ASR.Slide, DefaultASRSlide)
	setDefault(&p.ASR.QueueSize, DefaultASRQueueSize)
	setDefault(&p.ASR.Timeout, DefaultASRTimeout)
	setDefault(&p.ASR.Language, DefaultLanguage)
	setDefault(&p.LLM.MaxHistoryPairs, DefaultMaxHistoryPairs)
	setDefault(&p.LLM.Temperature, DefaultTemperature)
	setDefault(&p.LLM.MaxTokens, DefaultMaxTokens)
	setDefault(&p.LLM.Timeout, DefaultLLMTimeout)
	setDefault(&p.TTS.SampleRate, DefaultSampleRate)
	setDefault(&p.TTS.Frame, DefaultFrame)
	setDefault(&p.TTS.SegmentChars, DefaultSegmentChars)
	setDefault(&p.TTS.Voice, DefaultVoice)
	setDefault(&p.TTS.Language, DefaultLanguage)
	setDefault(&p.TTS.Timeout, DefaultTTSTimeout)
	setDefault(&p.Retry.MaxRetries, DefaultMaxRetries)
	setDefault(&p.Retry.Backoff, DefaultBackoff)
	setDefault(&p.PollInterval, DefaultPollInterval)
	if p.BargeInOnFinal == nil {
		enabled := true
		p.BargeInOnFinal = &enabled
	}

	setDefault(&cfg.Transport.Path, DefaultTransportPath)
	setDefault(&cfg.Transport.OutboundBuffer, DefaultOutboundBuffer)

	setDefault(&cfg.Stats.Window, DefaultStatsWindow)
	setDefault(&cfg.Stats.Targets.ASR, 500*time.Millisecond)
	setDefault(&cfg.Stats.Targets.LLM, 300*time.Millisecond)
	setDefault(&cfg.Stats.Targets.TTS, 200*time.Millisecond)
	setDefault(&cfg.Stats.Targets.E2E, time.Second)

	setDefault(&cfg.Health.Interval, DefaultHealthInterval)
	setDefault(&cfg.Health.Timeout, DefaultHealthTimeout)
	setDefault(&cfg.Health.DegradedAfter, DefaultDegradedAfter)
	setDefault(&cfg.Health.FailedAfter, DefaultFailedAfter)

	setDefault(&cfg.Telemetry.ServiceName, DefaultServiceName)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}
