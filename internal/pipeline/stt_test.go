package pipeline

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMultipartSTTClientTranscribe(t *testing.T) {
	var gotPath, gotContentType string
	var gotWAV []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotContentType = r.Header.Get("Content-Type")
		file, _, err := r.FormFile("file")
		require.NoError(t, err)
		gotWAV, _ = io.ReadAll(file)
		json.NewEncoder(w).Encode(map[string]string{"text": "hello world"})
	}))
	defer srv.Close()

	c := NewWhisperClient(srv.URL, 4)
	tr, err := c.Transcribe(context.Background(), make([]float32, 1600))
	require.NoError(t, err)

	assert.Equal(t, "hello world", tr.Text)
	assert.Equal(t, "/inference", gotPath)
	assert.Contains(t, gotContentType, "multipart/form-data")
	// 44-byte WAV header plus 16-bit samples.
	assert.Len(t, gotWAV, 44+1600*2)
	assert.Equal(t, "RIFF", string(gotWAV[:4]))
}

func TestMultipartSTTClientErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewWhisperClient(srv.URL, 1)
	_, err := c.Transcribe(context.Background(), make([]float32, 160))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 503")
}

func TestPiperSynthesizerRequestShape(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/synthesize", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte("RIFFfake"))
	}))
	defer srv.Close()

	s := NewPiperSynthesizer(srv.URL, "en_US-amy", srv.Client())
	audio, err := s.SynthesizeAudio(context.Background(), "Hello!", TTSOptions{})
	require.NoError(t, err)

	assert.Equal(t, []byte("RIFFfake"), audio)
	assert.Equal(t, "Hello!", gotBody["text"])
	assert.Equal(t, "en_US-amy", gotBody["voice"])
}

func TestOpenAISynthesizerVoiceOverride(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/audio/speech", r.URL.Path)
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte("wav"))
	}))
	defer srv.Close()

	s := NewOpenAISynthesizer(srv.URL, "kokoro", "af_bella", srv.Client())
	_, err := s.SynthesizeAudio(context.Background(), "Hi", TTSOptions{Voice: "af_nova"})
	require.NoError(t, err)

	assert.Equal(t, "kokoro", gotBody["model"])
	assert.Equal(t, "af_nova", gotBody["voice"], "per-call voice overrides the default")
	assert.Equal(t, "wav", gotBody["response_format"])
}
