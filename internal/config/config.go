// Package config loads and validates runtime configuration for the AICC
// pipeline, following the teacher's flag+env precedence pattern: CLI flags
// override environment variables, which override built-in defaults. The
// canonical deployment input is environment variables under the AICC_
// prefix; flags exist mainly for local development and tests.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration for the pipeline process.
type Config struct {
	HTTPPort int
	LogLevel string
	// LogFormat is "text" or "json".
	LogFormat   string
	CORSOrigins string

	// Static port assignment. cmd/aicc runs a single static pair when
	// CustomerPort lies outside [RTPPortRangeStart, RTPPortRangeEnd); the
	// agent side of that pair is always CustomerPort+1, so AgentPort is
	// parsed but not read.
	CustomerPort int
	AgentPort    int

	// RTP dynamic port pool range: even ports in [RTPPortRangeStart,
	// RTPPortRangeEnd) are customer ports, each paired with its +1 agent
	// port.
	RTPPortRangeStart int
	RTPPortRangeEnd   int

	WSURLs               []string
	WSQueueMaxSize       int
	WSReconnectInterval  durationSeconds
	WSAuthClientID       string
	WSAuthClientSecret   string
	WSAuthTokenURL       string

	VADThreshold  float64
	MinSpeechMS   int
	MinSilenceMS  int

	TurnMorphemeWeight   float64
	TurnDurationWeight   float64
	TurnSilenceWeight    float64
	TurnCompleteThreshold float64
	TurnMinSilenceMS     int
	TurnMinChars         int

	STTMode              string // "streaming" or "batch"
	STTLanguage          string
	STTPhrases           string
	STTPhrasesPath       string
	STTPhraseBoost       float64
	STTRotationSec       int
	STTAudioQueueMaxSize int
	STTCredentialsPath   string
}

// durationSeconds is an integer number of seconds parsed from config,
// exposed as a time.Duration via Duration().
type durationSeconds int

// Duration converts the configured seconds value to a time.Duration.
func (d durationSeconds) Duration() time.Duration {
	return time.Duration(d) * time.Second
}

const (
	defaultHTTPPort = 8080
	defaultLogLevel = "info"
	defaultLogFormat = "text"

	defaultCustomerPort = 40000
	defaultAgentPort    = 40001

	defaultRTPPortRangeStart = 40000
	defaultRTPPortRangeEnd   = 41000

	defaultWSQueueMaxSize      = 1000
	defaultWSReconnectInterval = 5

	defaultVADThreshold = 0.45
	defaultMinSpeechMS  = 300
	defaultMinSilenceMS = 800

	defaultTurnMorphemeWeight    = 0.6
	defaultTurnDurationWeight    = 0.2
	defaultTurnSilenceWeight     = 0.2
	defaultTurnCompleteThreshold = 0.65
	defaultTurnMinSilenceMS      = 800
	defaultTurnMinChars          = 1

	defaultSTTMode              = "streaming"
	defaultSTTLanguage          = "ko-KR"
	defaultSTTPhraseBoost       = 10.0
	defaultSTTRotationSec       = 270
	defaultSTTAudioQueueMaxSize = 300
)

// envPrefix is the prefix for all AICC pipeline environment variables.
const envPrefix = "AICC_"

// Load parses configuration from CLI flags and environment variables.
// Precedence: CLI flags > env vars > defaults.
func Load() (*Config, error) {
	cfg := &Config{}

	fs := flag.NewFlagSet("aicc", flag.ContinueOnError)

	fs.IntVar(&cfg.HTTPPort, "http-port", defaultHTTPPort, "REST admission API listen port")
	fs.StringVar(&cfg.LogLevel, "log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", defaultLogFormat, "log output format (text, json)")
	fs.StringVar(&cfg.CORSOrigins, "cors-origins", "", "comma-separated list of allowed CORS origins (use * for all)")

	fs.IntVar(&cfg.CustomerPort, "customer-port", defaultCustomerPort, "default static customer-side RTP port when not using the dynamic pool")
	fs.IntVar(&cfg.AgentPort, "agent-port", defaultAgentPort, "static agent-side RTP port (not read: the static pair's agent port is always customer-port+1)")
	fs.IntVar(&cfg.RTPPortRangeStart, "rtp-port-range-start", defaultRTPPortRangeStart, "first even port of the dynamic RTP port pool")
	fs.IntVar(&cfg.RTPPortRangeEnd, "rtp-port-range-end", defaultRTPPortRangeEnd, "exclusive upper bound of the dynamic RTP port pool")

	var wsURLs string
	fs.StringVar(&wsURLs, "ws-url", "", "comma-separated list of outbound websocket consumer URLs")
	fs.IntVar(&cfg.WSQueueMaxSize, "ws-queue-maxsize", defaultWSQueueMaxSize, "max pending events in the websocket fan-out send queue before dropping the oldest")
	var wsReconnect int
	fs.IntVar(&wsReconnect, "ws-reconnect-interval", defaultWSReconnectInterval, "seconds between websocket reconnect attempts")
	fs.StringVar(&cfg.WSAuthClientID, "ws-auth-client-id", "", "OAuth2 client id for websocket consumer authentication")
	fs.StringVar(&cfg.WSAuthClientSecret, "ws-auth-client-secret", "", "OAuth2 client secret for websocket consumer authentication")
	fs.StringVar(&cfg.WSAuthTokenURL, "ws-auth-token-url", "", "OAuth2 token endpoint for websocket consumer authentication")

	fs.Float64Var(&cfg.VADThreshold, "vad-threshold", defaultVADThreshold, "voice activity detector energy threshold")
	fs.IntVar(&cfg.MinSpeechMS, "min-speech-ms", defaultMinSpeechMS, "minimum turn duration; shorter turns are not emitted")
	fs.IntVar(&cfg.MinSilenceMS, "min-silence-ms", defaultMinSilenceMS, "minimum contiguous silence duration to end an utterance")

	fs.Float64Var(&cfg.TurnMorphemeWeight, "turn-morpheme-weight", defaultTurnMorphemeWeight, "fusion weight for morpheme completeness")
	fs.Float64Var(&cfg.TurnDurationWeight, "turn-duration-weight", defaultTurnDurationWeight, "fusion weight for utterance duration")
	fs.Float64Var(&cfg.TurnSilenceWeight, "turn-silence-weight", defaultTurnSilenceWeight, "fusion weight for trailing silence")
	fs.Float64Var(&cfg.TurnCompleteThreshold, "turn-complete-threshold", defaultTurnCompleteThreshold, "fusion score at or above which a turn is decided complete")
	fs.IntVar(&cfg.TurnMinSilenceMS, "turn-min-silence-ms", defaultTurnMinSilenceMS, "turn-level trailing silence threshold (parsed but not read; min-silence-ms closes turns in both STT modes)")
	fs.IntVar(&cfg.TurnMinChars, "turn-min-chars", defaultTurnMinChars, "minimum transcript length before a turn may close")

	fs.StringVar(&cfg.STTMode, "stt-mode", defaultSTTMode, "speech-to-text mode: streaming or batch")
	fs.StringVar(&cfg.STTLanguage, "stt-language", defaultSTTLanguage, "speech-to-text recognition language (BCP-47)")
	fs.StringVar(&cfg.STTPhrases, "stt-phrases", "", "comma-separated phrase-adaptation hints")
	fs.StringVar(&cfg.STTPhrasesPath, "stt-phrases-path", "", "path to a newline-delimited phrase-adaptation file")
	fs.Float64Var(&cfg.STTPhraseBoost, "stt-phrase-boost", defaultSTTPhraseBoost, "phrase-adaptation boost applied to hinted phrases")
	fs.IntVar(&cfg.STTRotationSec, "stt-rotation-sec", defaultSTTRotationSec, "seconds between continuous streaming session rotations")
	fs.IntVar(&cfg.STTAudioQueueMaxSize, "stt-audio-queue-maxsize", defaultSTTAudioQueueMaxSize, "max buffered audio frames per streaming session before dropping")
	fs.StringVar(&cfg.STTCredentialsPath, "stt-credentials-path", "", "path to the speech provider's service account credentials file")

	if err := fs.Parse(os.Args[1:]); err != nil {
		return nil, fmt.Errorf("parsing flags: %w", err)
	}

	applyEnvOverrides(fs, cfg, &wsURLs, &wsReconnect)

	cfg.WSURLs = splitAndTrim(wsURLs)
	cfg.WSReconnectInterval = durationSeconds(wsReconnect)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides checks environment variables for any flag that was not
// explicitly provided on the command line, preserving flags > env > defaults.
func applyEnvOverrides(fs *flag.FlagSet, cfg *Config, wsURLs *string, wsReconnect *int) {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })

	lookupInt := func(flagName, envVar string, dst *int) {
		if set[flagName] {
			return
		}
		if v, ok := os.LookupEnv(envVar); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	lookupFloat := func(flagName, envVar string, dst *float64) {
		if set[flagName] {
			return
		}
		if v, ok := os.LookupEnv(envVar); ok && v != "" {
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = n
			}
		}
	}
	lookupStr := func(flagName, envVar string, dst *string) {
		if set[flagName] {
			return
		}
		if v, ok := os.LookupEnv(envVar); ok && v != "" {
			*dst = v
		}
	}

	lookupInt("http-port", envPrefix+"HTTP_PORT", &cfg.HTTPPort)
	lookupStr("log-level", envPrefix+"LOG_LEVEL", &cfg.LogLevel)
	lookupStr("log-format", envPrefix+"LOG_FORMAT", &cfg.LogFormat)
	lookupStr("cors-origins", envPrefix+"CORS_ORIGINS", &cfg.CORSOrigins)

	lookupInt("customer-port", envPrefix+"CUSTOMER_PORT", &cfg.CustomerPort)
	lookupInt("agent-port", envPrefix+"AGENT_PORT", &cfg.AgentPort)
	lookupInt("rtp-port-range-start", envPrefix+"RTP_PORT_RANGE_START", &cfg.RTPPortRangeStart)
	lookupInt("rtp-port-range-end", envPrefix+"RTP_PORT_RANGE_END", &cfg.RTPPortRangeEnd)

	lookupStr("ws-url", envPrefix+"WS_URL", wsURLs)
	// AICC_WS_URL_1..N extend (not replace) the base AICC_WS_URL list —
	// numbered consumers are appended in order.
	for i := 1; ; i++ {
		v, ok := os.LookupEnv(fmt.Sprintf("%sWS_URL_%d", envPrefix, i))
		if !ok || v == "" {
			break
		}
		if *wsURLs == "" {
			*wsURLs = v
		} else {
			*wsURLs = *wsURLs + "," + v
		}
	}
	lookupInt("ws-queue-maxsize", envPrefix+"WS_QUEUE_MAXSIZE", &cfg.WSQueueMaxSize)
	lookupInt("ws-reconnect-interval", envPrefix+"WS_RECONNECT_INTERVAL", wsReconnect)
	lookupStr("ws-auth-client-id", envPrefix+"WS_AUTH_CLIENT_ID", &cfg.WSAuthClientID)
	lookupStr("ws-auth-client-secret", envPrefix+"WS_AUTH_CLIENT_SECRET", &cfg.WSAuthClientSecret)
	lookupStr("ws-auth-token-url", envPrefix+"WS_AUTH_TOKEN_URL", &cfg.WSAuthTokenURL)

	lookupFloat("vad-threshold", envPrefix+"VAD_THRESHOLD", &cfg.VADThreshold)
	lookupInt("min-speech-ms", envPrefix+"MIN_SPEECH_MS", &cfg.MinSpeechMS)
	lookupInt("min-silence-ms", envPrefix+"MIN_SILENCE_MS", &cfg.MinSilenceMS)

	lookupFloat("turn-morpheme-weight", envPrefix+"TURN_MORPHEME_WEIGHT", &cfg.TurnMorphemeWeight)
	lookupFloat("turn-duration-weight", envPrefix+"TURN_DURATION_WEIGHT", &cfg.TurnDurationWeight)
	lookupFloat("turn-silence-weight", envPrefix+"TURN_SILENCE_WEIGHT", &cfg.TurnSilenceWeight)
	lookupFloat("turn-complete-threshold", envPrefix+"TURN_COMPLETE_THRESHOLD", &cfg.TurnCompleteThreshold)
	lookupInt("turn-min-silence-ms", envPrefix+"TURN_MIN_SILENCE_MS", &cfg.TurnMinSilenceMS)
	lookupInt("turn-min-chars", envPrefix+"TURN_MIN_CHARS", &cfg.TurnMinChars)

	lookupStr("stt-mode", envPrefix+"STT_MODE", &cfg.STTMode)
	lookupStr("stt-language", envPrefix+"STT_LANGUAGE", &cfg.STTLanguage)
	lookupStr("stt-phrases", envPrefix+"STT_PHRASES", &cfg.STTPhrases)
	lookupStr("stt-phrases-path", envPrefix+"STT_PHRASES_PATH", &cfg.STTPhrasesPath)
	lookupFloat("stt-phrase-boost", envPrefix+"STT_PHRASE_BOOST", &cfg.STTPhraseBoost)
	lookupInt("stt-rotation-sec", envPrefix+"STT_ROTATION_SEC", &cfg.STTRotationSec)
	lookupInt("stt-audio-queue-maxsize", envPrefix+"STT_AUDIO_QUEUE_MAXSIZE", &cfg.STTAudioQueueMaxSize)
	lookupStr("stt-credentials-path", envPrefix+"STT_CREDENTIALS_PATH", &cfg.STTCredentialsPath)
}

func splitAndTrim(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// validate checks that the config values are sane.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("http-port must be between 1 and 65535, got %d", c.HTTPPort)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return fmt.Errorf("log-level must be one of debug, info, warn, error; got %q", c.LogLevel)
	}
	c.LogLevel = strings.ToLower(c.LogLevel)

	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[strings.ToLower(c.LogFormat)] {
		return fmt.Errorf("log-format must be one of text, json; got %q", c.LogFormat)
	}
	c.LogFormat = strings.ToLower(c.LogFormat)

	if c.RTPPortRangeStart < 1024 || c.RTPPortRangeStart > 65534 {
		return fmt.Errorf("rtp-port-range-start must be between 1024 and 65534, got %d", c.RTPPortRangeStart)
	}
	if c.RTPPortRangeEnd < c.RTPPortRangeStart+2 || c.RTPPortRangeEnd > 65536 {
		return fmt.Errorf("rtp-port-range-end must be at least rtp-port-range-start+2 and at most 65536, got %d", c.RTPPortRangeEnd)
	}
	if c.RTPPortRangeStart%2 != 0 {
		return fmt.Errorf("rtp-port-range-start must be even, got %d", c.RTPPortRangeStart)
	}

	if len(c.WSURLs) == 0 {
		return fmt.Errorf("at least one websocket consumer url is required (ws-url / %sWS_URL)", envPrefix)
	}

	validSTTModes := map[string]bool{"streaming": true, "batch": true}
	if !validSTTModes[strings.ToLower(c.STTMode)] {
		return fmt.Errorf("stt-mode must be streaming or batch, got %q", c.STTMode)
	}
	c.STTMode = strings.ToLower(c.STTMode)

	if c.VADThreshold < 0 || c.VADThreshold > 1 {
		return fmt.Errorf("vad-threshold must be between 0 and 1, got %f", c.VADThreshold)
	}
	if c.TurnCompleteThreshold < 0 || c.TurnCompleteThreshold > 1 {
		return fmt.Errorf("turn-complete-threshold must be between 0 and 1, got %f", c.TurnCompleteThreshold)
	}

	return nil
}

// SlogHandler returns a slog.Handler configured with the appropriate format
// (text or json) and log level.
func (c *Config) SlogHandler(w *os.File) slog.Handler {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// SlogLevel returns the slog.Level corresponding to the configured log level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
