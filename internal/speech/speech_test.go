package speech

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

func TestDeepgramTranscribe(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/listen", r.URL.Path)
		assert.Equal(t, "nova-2", r.URL.Query().Get("model"))
		assert.Equal(t, "Token dg-key", r.Header.Get("Authorization"))
		assert.Equal(t, "audio/wav", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "RIFF", string(body))
		_, _ = io.WriteString(w, `{"results":{"channels":[{"alternatives":[{"transcript":"What is the range of the Leaf?"}]}]}}`)
	}))
	defer srv.Close()

	dg := NewDeepgram(DeepgramConfig{APIKey: "dg-key", BaseURL: srv.URL})
	text, err := dg.Transcribe(context.Background(), []byte("RIFF"), "audio/wav")
	require.NoError(t, err)
	assert.Equal(t, "What is the range of the Leaf?", text)
}

func TestDeepgramErrors(t *testing.T) {
	t.Parallel()

	_, err := NewDeepgram(DeepgramConfig{}).Transcribe(context.Background(), nil, "")
	require.ErrorIs(t, err, ErrNotConfigured)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "bad audio", http.StatusBadRequest)
	}))
	defer srv.Close()

	_, err = NewDeepgram(DeepgramConfig{APIKey: "k", BaseURL: srv.URL}).Transcribe(context.Background(), []byte("x"), "")
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
	assert.Equal(t, "deepgram", se.Provider)
}

func TestElevenLabsSynthesize(t *testing.T) {
	t.Parallel()

	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		assert.Equal(t, "el-key", r.Header.Get("xi-api-key"))
		var req ttsRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "Hello", req.Text)
		assert.Equal(t, defaultElevenLabsModel, req.ModelID)
		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3mp3"))
	}))
	defer srv.Close()

	el := NewElevenLabs(ElevenLabsConfig{APIKey: "el-key", BaseURL: srv.URL})

	audio, err := el.Synthesize(context.Background(), "Hello", "")
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3mp3"), audio)

	stream, err := el.SynthesizeStream(context.Background(), "Hello", "voice_x")
	require.NoError(t, err)
	data, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.NoError(t, stream.Close())
	assert.Equal(t, "ID3mp3", string(data))

	assert.Equal(t, []string{
		"/v1/text-to-speech/" + DefaultVoiceID,
		"/v1/text-to-speech/voice_x/stream",
	}, paths)
}

func TestElevenLabsNotConfigured(t *testing.T) {
	t.Parallel()

	_, err := NewElevenLabs(ElevenLabsConfig{}).Synthesize(context.Background(), "hi", "")
	require.ErrorIs(t, err, ErrNotConfigured)
}
