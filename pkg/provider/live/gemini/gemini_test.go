package gemini_test

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/elevated/pkg/audio"
	"github.com/MrWong99/elevated/pkg/provider/live"
	"github.com/MrWong99/elevated/pkg/provider/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		conn.SetReadLimit(1 << 20)
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// acceptSetup consumes the setup frame and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	sendSetupComplete(t, conn)
}

// holdOpen blocks until the client closes the connection.
func holdOpen(conn *websocket.Conn) {
	<-conn.CloseRead(context.Background()).Done()
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

func connect(t *testing.T, srv *httptest.Server, cfg live.SessionConfig) live.Stream {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s, err := newProvider(srv).Connect(ctx, cfg)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// nextMessage waits for the next inbound message.
func nextMessage(t *testing.T, s live.Stream) live.Message {
	t.Helper()
	select {
	case m, ok := <-s.Messages():
		if !ok {
			t.Fatalf("Messages closed unexpectedly (err=%v)", s.Err())
		}
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	return live.Message{}
}

// waitClosed waits for the Messages channel to close.
func waitClosed(t *testing.T, s live.Stream) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case _, ok := <-s.Messages():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for Messages to close")
		}
	}
}

func audioFrame(pcm []byte) map[string]any {
	return map[string]any{
		"inlineData": map[string]any{
			"mimeType": "audio/pcm;rate=24000",
			"data":     base64.StdEncoding.EncodeToString(pcm),
		},
	}
}

// ── Provider ──────────────────────────────────────────────────────────────────

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := gemini.New("key").Capabilities()
	if caps.InputSampleRate != 16000 || caps.OutputSampleRate != 24000 {
		t.Errorf("rates = %d/%d, want 16000/24000", caps.InputSampleRate, caps.OutputSampleRate)
	}
	if len(caps.Voices) == 0 {
		t.Error("Voices should be non-empty")
	}
}

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
			InputAudioTranscription  *map[string]any `json:"inputAudioTranscription"`
			OutputAudioTranscription *map[string]any `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		holdOpen(conn)
	})

	connect(t, srv, live.SessionConfig{
		Instructions:        "You are Elevated.",
		Voice:               "Kore",
		InputTranscription:  true,
		OutputTranscription: true,
	})

	msg := <-received
	if want := "models/gemini-2.5-flash-native-audio-preview-09-2025"; msg.Setup.Model != want {
		t.Errorf("model = %q, want %q", msg.Setup.Model, want)
	}
	if m := msg.Setup.GenerationConfig.ResponseModalities; len(m) != 1 || m[0] != "AUDIO" {
		t.Errorf("responseModalities = %v, want [AUDIO]", m)
	}
	if v := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Kore" {
		t.Errorf("voiceName = %q, want Kore", v)
	}
	if msg.Setup.SystemInstruction == nil || msg.Setup.SystemInstruction.Parts[0].Text != "You are Elevated." {
		t.Errorf("unexpected system instruction: %+v", msg.Setup.SystemInstruction)
	}
	if msg.Setup.InputAudioTranscription == nil || msg.Setup.OutputAudioTranscription == nil {
		t.Error("transcription flags missing from setup")
	}
}

func TestConnect_DefaultVoiceAndModelOverride(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				SpeechConfig struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			InputAudioTranscription *map[string]any `json:"inputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		holdOpen(conn)
	})

	connect(t, srv, live.SessionConfig{Model: "custom-model"})

	msg := <-received
	if msg.Setup.Model != "models/custom-model" {
		t.Errorf("model = %q, want models/custom-model", msg.Setup.Model)
	}
	if v := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; v != "Zephyr" {
		t.Errorf("voiceName = %q, want default Zephyr", v)
	}
	if msg.Setup.InputAudioTranscription != nil {
		t.Error("inputAudioTranscription should be omitted when not requested")
	}
}

func TestConnect_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	query := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		query <- r.URL.RawQuery
		acceptSetup(t, conn)
		holdOpen(conn)
	})

	p := gemini.New("secret-key", gemini.WithBaseURL(wsURL(srv)))
	s, err := p.Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer s.Close()

	if q := <-query; !strings.Contains(q, "key=secret-key") {
		t.Errorf("URL query %q should contain key=secret-key", q)
	}
}

func TestConnect_WaitsForSetupComplete(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-release
		sendSetupComplete(t, conn)
		holdOpen(conn)
	})

	result := make(chan error, 1)
	go func() {
		s, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
		if err == nil {
			t.Cleanup(func() { _ = s.Close() })
		}
		result <- err
	}()

	select {
	case err := <-result:
		t.Fatalf("Connect returned before setupComplete (err=%v)", err)
	case <-time.After(100 * time.Millisecond):
	}

	close(release)
	select {
	case err := <-result:
		if err != nil {
			t.Fatalf("Connect: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Connect did not return after setupComplete")
	}
}

func TestConnect_NoAckTimesOut(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		holdOpen(conn)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if _, err := newProvider(srv).Connect(ctx, live.SessionConfig{}); err == nil {
		t.Fatal("Connect should fail when the service never acknowledges setup")
	}
}

func TestConnect_ServiceErrorDuringSetup(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 403, "message": "API key not valid"},
		})
		holdOpen(conn)
	})

	_, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if !errors.Is(err, gemini.ErrService) {
		t.Fatalf("Connect error = %v, want ErrService", err)
	}
	if !strings.Contains(err.Error(), "API key not valid") {
		t.Errorf("error %q should carry the service message", err)
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		holdOpen(conn)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := newProvider(srv).Connect(ctx, live.SessionConfig{}); err == nil {
		t.Fatal("Connect with cancelled context should return an error")
	}
}

// ── Send ──────────────────────────────────────────────────────────────────────

func TestSend_EncodesAndSends(t *testing.T) {
	t.Parallel()

	type realtimeInput struct {
		RealtimeInput struct {
			Audio struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"audio"`
		} `json:"realtimeInput"`
	}

	received := make(chan realtimeInput, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg realtimeInput
		readJSON(t, conn, &msg)
		received <- msg
		holdOpen(conn)
	})

	s := connect(t, srv, live.SessionConfig{})
	want := audio.Encode([]float32{0.25, -0.25})
	if err := s.Send(context.Background(), audio.EncodedChunk{Data: want, MIMEType: audio.PCMMimeType(16000)}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-received:
		if msg.RealtimeInput.Audio.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q", msg.RealtimeInput.Audio.MIMEType)
		}
		got, err := base64.StdEncoding.DecodeString(msg.RealtimeInput.Audio.Data)
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("decoded audio = %v, want %v", got, want)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio message")
	}
}

func TestSend_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		holdOpen(conn)
	})

	s := connect(t, srv, live.SessionConfig{})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := s.Send(context.Background(), audio.EncodedChunk{Data: []byte{1, 2}})
	if !errors.Is(err, live.ErrStreamClosed) {
		t.Fatalf("Send after Close = %v, want ErrStreamClosed", err)
	}
}

func TestSend_Concurrent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		for {
			if _, _, err := conn.Read(context.Background()); err != nil {
				return
			}
		}
	})

	s := connect(t, srv, live.SessionConfig{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 16 {
				_ = s.Send(context.Background(), audio.EncodedChunk{Data: []byte{0x01, 0x02}})
			}
		})
	}
	wg.Wait()
}

// ── Messages ──────────────────────────────────────────────────────────────────

func TestMessages_PreservesArrivalOrder(t *testing.T) {
	t.Parallel()

	pcm := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn":           map[string]any{"parts": []any{audioFrame(pcm)}},
			"outputTranscription": map[string]any{"text": "Hel"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"outputTranscription": map[string]any{"text": "lo "},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "Hi"},
		}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"turnComplete": true,
		}})
		holdOpen(conn)
	})

	s := connect(t, srv, live.SessionConfig{})

	m := nextMessage(t, s)
	if len(m.Audio) != 1 || !bytes.Equal(m.Audio[0], pcm) {
		t.Errorf("first message audio = %v, want [%v]", m.Audio, pcm)
	}
	if m.OutputText != "Hel" {
		t.Errorf("first message output text = %q, want Hel", m.OutputText)
	}
	if m = nextMessage(t, s); m.OutputText != "lo " {
		t.Errorf("second message output text = %q, want %q", m.OutputText, "lo ")
	}
	if m = nextMessage(t, s); m.InputText != "Hi" {
		t.Errorf("third message input text = %q, want Hi", m.InputText)
	}
	if m = nextMessage(t, s); !m.TurnComplete {
		t.Error("fourth message should be turn complete")
	}
}

func TestMessages_Interrupted(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		holdOpen(conn)
	})

	s := connect(t, srv, live.SessionConfig{})
	if m := nextMessage(t, s); !m.Interrupted {
		t.Errorf("message = %+v, want Interrupted", m)
	}
}

func TestMessages_LargeAudioFrame(t *testing.T) {
	t.Parallel()

	// One second of 24 kHz audio is well beyond the default 32 KiB read limit.
	pcm := bytes.Repeat([]byte{0x10, 0x00}, 24000)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{audioFrame(pcm)}},
		}})
		holdOpen(conn)
	})

	s := connect(t, srv, live.SessionConfig{})
	if m := nextMessage(t, s); len(m.Audio) != 1 || len(m.Audio[0]) != len(pcm) {
		t.Errorf("got %d audio chunks, want one of %d bytes", len(m.Audio), len(pcm))
	}
}

func TestMessages_SkipsMalformedAndEmptyFrames(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		ctx := context.Background()
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{}})
		writeJSON(t, conn, map[string]any{"goAway": map[string]any{"timeLeft": "30s"}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{
			"inputTranscription": map[string]any{"text": "still here"},
		}})
		holdOpen(conn)
	})

	s := connect(t, srv, live.SessionConfig{})
	if m := nextMessage(t, s); m.InputText != "still here" {
		t.Errorf("message = %+v, want the first meaningful frame", m)
	}
}

func TestMessages_ServiceErrorEndsStream(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"message": "quota exceeded"}})
		holdOpen(conn)
	})

	s := connect(t, srv, live.SessionConfig{})
	waitClosed(t, s)
	if err := s.Err(); !errors.Is(err, gemini.ErrService) {
		t.Errorf("Err() = %v, want ErrService", err)
	}
}

func TestMessages_RemoteCloseSetsErr(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		// Returning closes the connection from the server side.
	})

	s := connect(t, srv, live.SessionConfig{})
	waitClosed(t, s)
	if s.Err() == nil {
		t.Error("Err() should be non-nil after the server drops the connection")
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		holdOpen(conn)
	})

	s := connect(t, srv, live.SessionConfig{})
	if err := s.Close(); err != nil {
		t.Fatalf("first Close() returned error: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() returned error: %v", err)
	}
}

func TestClose_ClosesMessagesWithoutError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		holdOpen(conn)
	})

	s := connect(t, srv, live.SessionConfig{})
	if got := s.Err(); got != nil {
		t.Errorf("Err() = %v before close, want nil", got)
	}
	_ = s.Close()
	waitClosed(t, s)
	if got := s.Err(); got != nil {
		t.Errorf("Err() = %v after local close, want nil", got)
	}
}
