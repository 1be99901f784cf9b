package gemini_test

import (
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

	"github.com/MrWong99/mirrorlive/pkg/provider/live"
	"github.com/MrWong99/mirrorlive/pkg/provider/live/gemini"
	"github.com/coder/websocket"
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

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithKeepalive(0))
}

// recorder collects callback invocations in arrival order.
type recorder struct {
	mu     sync.Mutex
	calls  []string
	msgs   []*live.ServerMessage
	errs   []error
	closes []live.CloseEvent
	closed chan struct{}
}

func newRecorder() *recorder {
	return &recorder{closed: make(chan struct{})}
}

func (r *recorder) callbacks() live.Callbacks {
	return live.Callbacks{
		OnOpen: func() {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.calls = append(r.calls, "open")
		},
		OnMessage: func(msg *live.ServerMessage) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.calls = append(r.calls, "message")
			r.msgs = append(r.msgs, msg)
		},
		OnError: func(err error) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.calls = append(r.calls, "error")
			r.errs = append(r.errs, err)
		},
		OnClose: func(ev live.CloseEvent) {
			r.mu.Lock()
			r.calls = append(r.calls, "close")
			r.closes = append(r.closes, ev)
			r.mu.Unlock()
			close(r.closed)
		},
	}
}

func (r *recorder) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-r.closed:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for OnClose")
	}
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

// ── Setup ─────────────────────────────────────────────────────────────────────

func TestNew_DefaultValues(t *testing.T) {
	t.Parallel()
	if p := gemini.New("my-key"); p == nil {
		t.Fatal("New returned nil")
	}
}

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
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
			Tools []struct {
				FunctionDeclarations []struct {
					Name string `json:"name"`
				} `json:"functionDeclarations"`
			} `json:"tools"`
			OutputAudioTranscription *struct{} `json:"outputAudioTranscription"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	cfg := live.ConnectConfig{
		Model:        "custom-model",
		Modalities:   []live.Modality{live.ModalityAudio},
		Voice:        "Aoede",
		Instructions: "Answer briefly.",
		Tools:        []string{"generate_image"},
	}
	conn, err := newProvider(srv).Connect(context.Background(), cfg, live.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	select {
	case msg := <-received:
		if msg.Setup.Model != "models/custom-model" {
			t.Errorf("model = %q, want models/custom-model", msg.Setup.Model)
		}
		if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
			t.Errorf("responseModalities = %v, want [AUDIO]", got)
		}
		if msg.Setup.GenerationConfig.SpeechConfig == nil ||
			msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Aoede" {
			t.Errorf("speechConfig = %+v, want voice Aoede", msg.Setup.GenerationConfig.SpeechConfig)
		}
		if msg.Setup.SystemInstruction == nil || msg.Setup.SystemInstruction.Parts[0].Text != "Answer briefly." {
			t.Errorf("systemInstruction = %+v", msg.Setup.SystemInstruction)
		}
		if len(msg.Setup.Tools) != 1 || msg.Setup.Tools[0].FunctionDeclarations[0].Name != "generate_image" {
			t.Errorf("tools = %+v", msg.Setup.Tools)
		}
		if msg.Setup.OutputAudioTranscription == nil {
			t.Error("audio-only session should request outputAudioTranscription")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestConnect_ChatModalities(t *testing.T) {
	t.Parallel()

	received := make(chan map[string]any, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		received <- raw
		<-conn.CloseRead(context.Background()).Done()
	})

	cfg := live.ConnectConfig{Modalities: []live.Modality{live.ModalityAudio, live.ModalityText}}
	conn, err := newProvider(srv).Connect(context.Background(), cfg, live.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	select {
	case raw := <-received:
		setup := raw["setup"].(map[string]any)
		if _, ok := setup["outputAudioTranscription"]; ok {
			t.Error("chat session should not request outputAudioTranscription")
		}
		if setup["model"] != "models/gemini-2.0-flash-live-001" {
			t.Errorf("model = %v, want default model", setup["model"])
		}
		mods := setup["generationConfig"].(map[string]any)["responseModalities"].([]any)
		if len(mods) != 2 || mods[0] != "AUDIO" || mods[1] != "TEXT" {
			t.Errorf("responseModalities = %v, want [AUDIO TEXT]", mods)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for setup message")
	}
}

func TestConnect_IncludesAPIKeyInURL(t *testing.T) {
	t.Parallel()

	query := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		query <- r.URL.RawQuery
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithKeepalive(0))
	conn, err := p.Connect(context.Background(), live.ConnectConfig{}, live.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	select {
	case q := <-query:
		if !strings.Contains(q, "key=secret-key") {
			t.Errorf("URL query %q should contain key=secret-key", q)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}

func TestConnect_CancelledContext_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec := newRecorder()
	if _, err := newProvider(srv).Connect(ctx, live.ConnectConfig{}, rec.callbacks()); err == nil {
		t.Fatal("expected error for cancelled context")
	}
	if calls := rec.snapshot(); len(calls) != 0 {
		t.Errorf("failed Connect invoked callbacks: %v", calls)
	}
}

// ── SendChunk ─────────────────────────────────────────────────────────────────

func TestSendChunk_EncodesAndSends(t *testing.T) {
	t.Parallel()

	type realtimeInput struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	audioMsg := make(chan realtimeInput, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)

		var msg realtimeInput
		readJSON(t, conn, &msg)
		audioMsg <- msg
		<-conn.CloseRead(context.Background()).Done()
	})

	conn, err := newProvider(srv).Connect(context.Background(), live.ConnectConfig{}, live.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	wantPCM := []byte{0x01, 0x02, 0x03, 0x04}
	if err := conn.SendChunk(context.Background(), live.Blob{MIMEType: "audio/pcm;rate=16000", Data: wantPCM}); err != nil {
		t.Fatalf("SendChunk: %v", err)
	}

	select {
	case msg := <-audioMsg:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) != 1 {
			t.Fatalf("media chunks = %d, want 1", len(chunks))
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q", chunks[0].MIMEType)
		}
		got, err := base64.StdEncoding.DecodeString(chunks[0].Data)
		if err != nil {
			t.Fatalf("base64 decode: %v", err)
		}
		if string(got) != string(wantPCM) {
			t.Errorf("decoded audio = %v; want %v", got, wantPCM)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for realtimeInput")
	}
}

func TestSendChunk_AfterClose_ReturnsClosedError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	conn, err := newProvider(srv).Connect(context.Background(), live.ConnectConfig{}, live.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err = conn.SendChunk(context.Background(), live.Blob{Data: []byte{1}})
	if !errors.Is(err, gemini.ErrConnClosed) {
		t.Fatalf("SendChunk after Close = %v, want ErrConnClosed", err)
	}
	if !strings.Contains(err.Error(), "CLOSING") {
		t.Errorf("error %q should mention CLOSING", err)
	}
}

// ── Callbacks ─────────────────────────────────────────────────────────────────

func TestCallbacks_OrderedOpenMessageClose(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{{"text": "hello"}},
				},
				"turnComplete": true,
			},
		})
		conn.Close(websocket.StatusNormalClosure, "bye")
	})

	rec := newRecorder()
	conn, err := newProvider(srv).Connect(context.Background(), live.ConnectConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	rec.waitClosed(t)

	want := []string{"open", "message", "message", "close"}
	got := rec.snapshot()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("callback order = %v, want %v", got, want)
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()
	if rec.msgs[0].SetupComplete == nil {
		t.Error("first message should carry setupComplete")
	}
	sc := rec.msgs[1].ServerContent
	if sc == nil || sc.ModelTurn == nil || sc.ModelTurn.Parts[0].Text != "hello" || !sc.TurnComplete {
		t.Errorf("second message = %+v", rec.msgs[1])
	}
	if rec.closes[0].Code != int(websocket.StatusNormalClosure) || rec.closes[0].Reason != "bye" {
		t.Errorf("close event = %+v", rec.closes[0])
	}
}

func TestCallbacks_AbnormalCloseReportsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		conn.Close(websocket.StatusPolicyViolation, "quota exceeded")
	})

	rec := newRecorder()
	conn, err := newProvider(srv).Connect(context.Background(), live.ConnectConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	rec.waitClosed(t)

	got := rec.snapshot()
	if strings.Join(got, ",") != "open,error,close" {
		t.Fatalf("callback order = %v, want open,error,close", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if !strings.Contains(rec.errs[0].Error(), "quota exceeded") {
		t.Errorf("error = %v, want reason included", rec.errs[0])
	}
	if rec.closes[0].Code != int(websocket.StatusPolicyViolation) {
		t.Errorf("close code = %d", rec.closes[0].Code)
	}
}

func TestCallbacks_MalformedFrameSkipped(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = conn.Write(ctx, websocket.MessageText, []byte("{not json"))
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		conn.Close(websocket.StatusNormalClosure, "")
	})

	rec := newRecorder()
	conn, err := newProvider(srv).Connect(context.Background(), live.ConnectConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	rec.waitClosed(t)
	if got := rec.snapshot(); strings.Join(got, ",") != "open,message,close" {
		t.Fatalf("callback order = %v, want open,message,close", got)
	}
}

func TestToolCall_Acknowledged(t *testing.T) {
	t.Parallel()

	type toolResp struct {
		ToolResponse struct {
			FunctionResponses []struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"functionResponses"`
		} `json:"toolResponse"`
	}

	got := make(chan toolResp, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"toolCall": map[string]any{
				"functionCalls": []map[string]any{
					{"id": "call-1", "name": "generate_image", "args": map[string]any{"prompt": "a cat"}},
				},
			},
		})
		var resp toolResp
		readJSON(t, conn, &resp)
		got <- resp
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	conn, err := newProvider(srv).Connect(context.Background(), live.ConnectConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	select {
	case resp := <-got:
		frs := resp.ToolResponse.FunctionResponses
		if len(frs) != 1 || frs[0].ID != "call-1" || frs[0].Name != "generate_image" {
			t.Errorf("tool response = %+v", resp)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for tool response")
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose_IdempotentAndReportsClose(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		<-conn.CloseRead(context.Background()).Done()
	})

	rec := newRecorder()
	conn, err := newProvider(srv).Connect(context.Background(), live.ConnectConfig{}, rec.callbacks())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	rec.waitClosed(t)
	rec.mu.Lock()
	defer rec.mu.Unlock()
	if len(rec.errs) != 0 {
		t.Errorf("local close reported errors: %v", rec.errs)
	}
}

func TestConcurrentSendChunk_DoesNotRace(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	})

	conn, err := newProvider(srv).Connect(context.Background(), live.ConnectConfig{}, live.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = conn.SendChunk(context.Background(), live.Blob{MIMEType: "audio/pcm;rate=16000", Data: []byte{byte(i)}})
		}(i)
	}
	wg.Wait()
}

func TestConnect_ConfigKeyOverridesProviderKey(t *testing.T) {
	t.Parallel()

	query := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		query <- r.URL.Query().Get("key")
		var raw map[string]any
		readJSON(t, conn, &raw)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("provider-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithKeepalive(0))
	conn, err := p.Connect(context.Background(), live.ConnectConfig{APIKey: "user key&x"}, live.Callbacks{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer conn.Close()

	select {
	case k := <-query:
		if k != "user key&x" {
			t.Errorf("key = %q, want %q", k, "user key&x")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout")
	}
}
