package deepgram

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"alloy/core"
	"alloy/utils/audio"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
)

// maxCharsBeforeFlush is the character limit before an automatic flush is triggered.
// Deepgram returns DATA-0001 (1008) if too many characters are buffered between flushes.
const maxCharsBeforeFlush = 2000

var (
	ErrNotInitialized = errors.New("deepgram tts: service not initialized")
	ErrFlushTimeout   = errors.New("deepgram tts: timed out waiting for audio")
)

// AudioOutput plays synthesized audio, typically the agent's room track.
type AudioOutput interface {
	WriteAudio(chunk core.AudioChunk) error
}

// DepgramTTSConfig holds configuration for the Deepgram TTS service
type DepgramTTSConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	BaseURL string `json:"base_url" yaml:"base_url"`
	Model   string `json:"model" yaml:"model"`
	// Encoding requested from Deepgram. Mu-law and A-law are decoded to
	// PCM before they reach the output.
	Encoding   core.AudioEncodingFormat `json:"-" yaml:"-"`
	SampleRate int                      `json:"sample_rate" yaml:"sample_rate"`
	// FlushTimeout bounds how long Speak waits for Deepgram to finish an
	// utterance.
	FlushTimeout time.Duration `json:"-" yaml:"-"`
}

// DefaultConfig returns a DepgramTTSConfig with sensible defaults
func DefaultConfig() DepgramTTSConfig {
	return DepgramTTSConfig{
		BaseURL:      "wss://api.deepgram.com/v1/speak",
		Model:        "aura-2-arcas-en",
		Encoding:     core.PCM,
		SampleRate:   24000,
		FlushTimeout: 30 * time.Second,
	}
}

// DepgramTTS speaks text through Deepgram's TTS WebSocket API and forwards
// the audio to an AudioOutput.
type DepgramTTS struct {
	config DepgramTTSConfig
	logger *core.Logger
	output AudioOutput

	mu               sync.RWMutex
	reconnectMu      sync.RWMutex // write-locked during reconnection; callers block until done
	speakMu          sync.Mutex   // one utterance at a time
	writeMu          sync.Mutex
	conn             *websocket.Conn
	ctx              context.Context
	cancel           context.CancelFunc
	heartbeatDone    chan struct{}
	readerDone       chan struct{}
	heartbeatStarted bool

	// flushed receives one value per Flushed message, errs one per Error message.
	flushed chan float64
	errs    chan error

	// charCount tracks buffered characters since the last flush to avoid DATA-0001 (1008).
	charCount atomic.Int64

	isInitialized bool
}

// Message types for Deepgram TTS WebSocket protocol
type (
	// Client messages
	speakV1Text struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}

	speakV1Control struct {
		Type string `json:"type"`
	}

	// Server messages
	speakV1Metadata struct {
		Type         string `json:"type"`
		RequestID    string `json:"request_id"`
		ModelName    string `json:"model_name"`
		ModelVersion string `json:"model_version"`
		ModelUUID    string `json:"model_uuid"`
	}

	speakV1Flushed struct {
		Type       string  `json:"type"`
		SequenceID float64 `json:"sequence_id"`
	}

	speakV1Warning struct {
		Type        string `json:"type"`
		Description string `json:"description"`
		Code        string `json:"code"`
	}

	speakV1Error struct {
		Type        string `json:"type"`
		Description string `json:"description"`
		Code        string `json:"code"`
	}
)

// NewDepgramTTS creates a new Deepgram TTS service with the provided config.
// Use DefaultConfig() to get a config with sensible defaults and override only what you need.
func NewDepgramTTS(config DepgramTTSConfig, output AudioOutput, logger *core.Logger) *DepgramTTS {
	defaults := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = defaults.BaseURL
	}
	if config.Model == "" {
		config.Model = defaults.Model
	}
	if config.SampleRate == 0 {
		if config.Encoding == core.PCM {
			config.SampleRate = defaults.SampleRate
		} else {
			config.SampleRate = 8000
		}
	}
	if config.FlushTimeout <= 0 {
		config.FlushTimeout = defaults.FlushTimeout
	}
	if logger == nil {
		logger = core.GetLogger()
	}
	return &DepgramTTS{
		config: config,
		output: output,
		logger: logger.With(map[string]interface{}{"service": "deepgram_tts"}),
	}
}

// SetOutput replaces the audio destination.
func (d *DepgramTTS) SetOutput(output AudioOutput) {
	d.mu.Lock()
	d.output = output
	d.mu.Unlock()
}

// Init connects to Deepgram and starts the reader and heartbeat loops.
func (d *DepgramTTS) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.isInitialized {
		return nil
	}

	if d.config.APIKey == "" {
		return errors.New("Deepgram API key is required")
	}

	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.flushed = make(chan float64, 8)
	d.errs = make(chan error, 8)

	conn, err := d.establishConnection(ctx)
	if err != nil {
		d.cancel()
		return fmt.Errorf("failed to establish WebSocket connection: %w", err)
	}
	d.conn = conn

	d.readerDone = make(chan struct{})
	d.heartbeatDone = make(chan struct{})
	go d.handleIncomingMessages()
	d.heartbeatStarted = true
	go d.heartbeat()

	d.isInitialized = true
	return nil
}

// Cleanup performs cleanup of the Deepgram TTS service
func (d *DepgramTTS) Cleanup() error {
	d.mu.Lock()
	if !d.isInitialized {
		d.mu.Unlock()
		return nil
	}
	if d.cancel != nil {
		d.cancel()
	}
	if d.conn != nil {
		d.sendJSONLocked(d.conn, speakV1Control{Type: "Close"})
	}
	d.closeConnectionLocked()
	heartbeatDone, readerDone := d.heartbeatDone, d.readerDone
	started := d.heartbeatStarted
	d.isInitialized = false
	d.heartbeatStarted = false
	d.mu.Unlock()

	// Wait for the loops with timeout, only if they were started
	if started {
		for _, done := range []chan struct{}{heartbeatDone, readerDone} {
			select {
			case <-done:
			case <-time.After(5 * time.Second):
			}
		}
	}

	d.logger.Info("Deepgram TTS service cleaned up")
	return nil
}

// Reset clears Deepgram's text buffer, dropping any unspoken audio.
func (d *DepgramTTS) Reset() error {
	conn, err := d.activeConn()
	if err != nil {
		return err
	}
	defer d.reconnectMu.RUnlock()

	d.charCount.Store(0)
	return d.sendJSON(conn, speakV1Control{Type: "Clear"})
}

// Speak synthesizes text and returns once Deepgram has flushed all of its
// audio to the output.
func (d *DepgramTTS) Speak(ctx context.Context, text string) error {
	if text == "" {
		return nil
	}

	d.speakMu.Lock()
	defer d.speakMu.Unlock()

	d.drainSignals()

	flushes, err := d.bufferText(text)
	if err != nil {
		return err
	}
	if err := d.flush(); err != nil {
		return err
	}
	flushes++

	timer := time.NewTimer(d.config.FlushTimeout)
	defer timer.Stop()

	for flushes > 0 {
		select {
		case <-ctx.Done():
			d.Reset()
			return ctx.Err()
		case <-d.ctx.Done():
			return ErrNotInitialized
		case <-timer.C:
			return ErrFlushTimeout
		case err := <-d.errs:
			return err
		case <-d.flushed:
			flushes--
		}
	}
	return nil
}

func (d *DepgramTTS) drainSignals() {
	for {
		select {
		case <-d.flushed:
		case <-d.errs:
		default:
			return
		}
	}
}

// activeConn returns the connection with reconnectMu read-locked. Callers
// must RUnlock it.
func (d *DepgramTTS) activeConn() (*websocket.Conn, error) {
	// Block while a reconnect is in progress
	d.reconnectMu.RLock()

	d.mu.RLock()
	defer d.mu.RUnlock()
	if !d.isInitialized {
		d.reconnectMu.RUnlock()
		return nil, ErrNotInitialized
	}
	if d.conn == nil {
		d.reconnectMu.RUnlock()
		return nil, errors.New("no active TTS connection")
	}
	return d.conn, nil
}

// bufferText sends text to be converted to speech.
// Text larger than maxCharsBeforeFlush is split into safe-sized chunks, each
// followed by a Flush, to avoid DATA-0001 from Deepgram. It returns the
// number of flushes it sent.
func (d *DepgramTTS) bufferText(text string) (int, error) {
	conn, err := d.activeConn()
	if err != nil {
		return 0, err
	}
	defer d.reconnectMu.RUnlock()

	flushes := 0
	const chunkSize = maxCharsBeforeFlush - 100 // leave headroom
	for len(text) > chunkSize {
		chunk := text[:chunkSize]
		text = text[chunkSize:]

		if err := d.sendJSON(conn, speakV1Text{Type: "Speak", Text: chunk}); err != nil {
			return flushes, err
		}
		if err := d.sendJSON(conn, speakV1Control{Type: "Flush"}); err != nil {
			return flushes, err
		}
		flushes++
		d.charCount.Store(0)
	}

	// Auto-flush if adding this (remaining) text would exceed the limit.
	if d.charCount.Add(int64(len(text))) >= maxCharsBeforeFlush {
		d.charCount.Store(int64(len(text)))
		if err := d.sendJSON(conn, speakV1Control{Type: "Flush"}); err != nil {
			d.logger.Warnf("Deepgram TTS: auto-flush failed: %v", err)
		} else {
			flushes++
			d.logger.Debugf("Deepgram TTS: auto-flushed at character limit (%d)", maxCharsBeforeFlush)
		}
	}

	return flushes, d.sendJSON(conn, speakV1Text{Type: "Speak", Text: text})
}

func (d *DepgramTTS) flush() error {
	conn, err := d.activeConn()
	if err != nil {
		return err
	}
	defer d.reconnectMu.RUnlock()

	d.charCount.Store(0)
	return d.sendJSON(conn, speakV1Control{Type: "Flush"})
}

// establishConnection creates a new WebSocket connection to Deepgram with retry logic
func (d *DepgramTTS) establishConnection(ctx context.Context) (*websocket.Conn, error) {
	const maxRetries = 3
	const baseDelay = 500 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			delay := baseDelay * time.Duration(attempt)
			d.logger.Infof("Deepgram TTS: retrying connection (attempt %d/%d) in %v after error: %v",
				attempt+1, maxRetries, delay, lastErr)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-d.ctx.Done():
				timer.Stop()
				return nil, d.ctx.Err()
			case <-timer.C:
			}
		}

		conn, err := d.dialConnection(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		return conn, nil
	}

	return nil, fmt.Errorf("failed to connect after %d attempts: %w", maxRetries, lastErr)
}

// dialConnection performs a single WebSocket dial attempt to Deepgram
func (d *DepgramTTS) dialConnection(ctx context.Context) (*websocket.Conn, error) {
	url := fmt.Sprintf("%s?model=%s&encoding=%s&sample_rate=%d",
		d.config.BaseURL,
		d.config.Model,
		d.config.Encoding,
		d.config.SampleRate)

	// Deepgram requires the "Token " prefix for API keys
	headers := http.Header{
		"Authorization": {fmt.Sprintf("Token %s", d.config.APIKey)},
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second

	conn, _, err := dialer.DialContext(ctx, url, headers)
	if err != nil {
		return nil, err
	}

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	return conn, nil
}

// handleIncomingMessages processes messages received from Deepgram, reconnecting on errors
func (d *DepgramTTS) handleIncomingMessages() {
	defer close(d.readerDone)

	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}

		d.mu.RLock()
		conn := d.conn
		d.mu.RUnlock()

		if conn == nil {
			// Connection was closed (e.g. by heartbeat ping failure), attempt reconnect
			d.logger.Infof("Deepgram TTS: connection lost, attempting reconnect...")
			if err := d.reconnect(); err != nil {
				d.sendError(fmt.Errorf("reconnect failed: %w", err))
				return
			}
			d.logger.Infof("Deepgram TTS: reconnected successfully")
			continue
		}

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		messageType, message, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-d.ctx.Done():
				return
			default:
			}

			d.logger.Infof("Deepgram TTS: read error, attempting reconnect: %v", err)
			if reconnErr := d.reconnect(); reconnErr != nil {
				d.sendError(fmt.Errorf("reconnect failed after read error: %w", reconnErr))
				return
			}
			d.logger.Infof("Deepgram TTS: reconnected successfully after read error")
			continue
		}

		switch messageType {
		case websocket.BinaryMessage:
			d.handleAudio(message)
		case websocket.TextMessage:
			d.handleTextMessage(message)
		}
	}
}

func (d *DepgramTTS) handleAudio(message []byte) {
	d.mu.RLock()
	output := d.output
	d.mu.RUnlock()
	if output == nil {
		return
	}

	// the read buffer is reused
	data := make([]byte, len(message))
	copy(data, message)

	chunk, err := audio.ConvertAudioChunk(core.AudioChunk{
		Data:       data,
		SampleRate: d.config.SampleRate,
		Channels:   1,
		Format:     d.config.Encoding,
	}, core.PCM, 1, d.config.SampleRate)
	if err != nil {
		d.logger.Warnf("Deepgram TTS: dropping undecodable audio: %v", err)
		return
	}

	if err := output.WriteAudio(chunk); err != nil {
		d.logger.Warnf("Deepgram TTS: audio output failed: %v", err)
	}
}

// reconnect closes the current connection and establishes a new one.
// It holds reconnectMu write-locked for the entire duration, so Speak and
// Reset wait instead of failing.
func (d *DepgramTTS) reconnect() error {
	d.reconnectMu.Lock()
	defer d.reconnectMu.Unlock()

	d.mu.Lock()
	d.closeConnectionLocked()
	d.mu.Unlock()

	conn, err := d.establishConnection(d.ctx)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.conn = conn
	d.mu.Unlock()

	// New connection has an empty buffer; reset the counter so auto-flush
	// thresholds are accurate from the start.
	d.charCount.Store(0)
	return nil
}

// handleTextMessage processes JSON messages from Deepgram
func (d *DepgramTTS) handleTextMessage(message []byte) {
	var base struct {
		Type string `json:"type"`
	}

	if err := sonic.Unmarshal(message, &base); err != nil {
		d.logger.Warnf("Deepgram TTS: failed to parse message: %v", err)
		return
	}

	switch base.Type {
	case "Metadata":
		var metadata speakV1Metadata
		if err := sonic.Unmarshal(message, &metadata); err == nil {
			d.logger.Debugf("TTS Metadata received: model=%s", metadata.ModelName)
		}

	case "Flushed":
		var flushed speakV1Flushed
		if err := sonic.Unmarshal(message, &flushed); err == nil {
			d.logger.Debugf("TTS Flush complete, sequence_id: %v", flushed.SequenceID)
			select {
			case d.flushed <- flushed.SequenceID:
			default:
			}
		}

	case "Cleared":
		d.logger.Debug("TTS Clear complete")

	case "Warning":
		var warning speakV1Warning
		if err := sonic.Unmarshal(message, &warning); err == nil {
			d.logger.Warnf("Deepgram TTS warning: %s (code: %s)", warning.Description, warning.Code)
		}

	case "Error":
		var errMsg speakV1Error
		if err := sonic.Unmarshal(message, &errMsg); err == nil {
			d.sendError(fmt.Errorf("Deepgram error: %s (code: %s)", errMsg.Description, errMsg.Code))
		}
	}
}

func (d *DepgramTTS) sendError(err error) {
	select {
	case d.errs <- err:
	default:
		d.logger.Warnf("Deepgram TTS: dropping error: %v", err)
	}
}

// sendJSON sends a JSON message over WebSocket
func (d *DepgramTTS) sendJSON(conn *websocket.Conn, msg interface{}) error {
	data, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// sendJSONLocked is sendJSON for callers already holding mu.
func (d *DepgramTTS) sendJSONLocked(conn *websocket.Conn, msg interface{}) {
	if err := d.sendJSON(conn, msg); err != nil {
		d.logger.Debugf("Deepgram TTS: send failed: %v", err)
	}
}

// heartbeat sends periodic pings to keep the connection alive
func (d *DepgramTTS) heartbeat() {
	defer close(d.heartbeatDone)

	// 8 seconds is safely under Deepgram's ~10 s idle-connection timeout.
	ticker := time.NewTicker(8 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-ticker.C:
			d.mu.RLock()
			conn := d.conn
			d.mu.RUnlock()

			if conn == nil {
				continue
			}
			// The speak API does not support application-level KeepAlive
			// messages; use a WebSocket PING instead.
			d.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			d.writeMu.Unlock()
			if err != nil {
				// Close the dead connection; handleIncomingMessages will reconnect.
				d.logger.Infof("Deepgram TTS: heartbeat ping failed, closing connection: %v", err)
				d.mu.Lock()
				d.closeConnectionLocked()
				d.mu.Unlock()
			}
		}
	}
}

// closeConnectionLocked safely closes the WebSocket connection (must be called with lock held)
func (d *DepgramTTS) closeConnectionLocked() {
	if d.conn != nil {
		d.writeMu.Lock()
		d.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		d.writeMu.Unlock()
		d.conn.Close()
		d.conn = nil
	}
}

// IsConnected returns whether the service has an active WebSocket connection
func (d *DepgramTTS) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.conn != nil
}
