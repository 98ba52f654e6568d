package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(pcmCh <-chan []byte, errCh <-chan error) ([]byte, error) {
	var audio []byte
	for c := range pcmCh {
		audio = append(audio, c...)
	}
	return audio, <-errCh
}

func TestElevenLabs_MissingCredentials(t *testing.T) {
	e := NewElevenLabsClient("key", "", zerolog.Nop())
	_, err := drain(e.StreamPCM48k(context.Background(), "hi"))
	require.Error(t, err)
}

func TestElevenLabs_StreamsBody(t *testing.T) {
	var gotPath, gotKey, gotFormat string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("xi-api-key")
		gotFormat = r.URL.Query().Get("output_format")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte{1, 2, 3, 4})
	}))
	defer srv.Close()

	e := NewElevenLabsClient("key", "voice", zerolog.Nop())
	e.BaseURL = srv.URL
	audio, err := drain(e.StreamPCM48k(context.Background(), "hello"))
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, audio)
	assert.Equal(t, "/v1/text-to-speech/voice/stream", gotPath)
	assert.Equal(t, "key", gotKey)
	assert.Equal(t, "pcm_48000", gotFormat)
	assert.Equal(t, "hello", gotBody["text"])
}

func TestElevenLabs_HTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad voice", http.StatusUnauthorized)
	}))
	defer srv.Close()

	e := NewElevenLabsClient("key", "voice", zerolog.Nop())
	e.BaseURL = srv.URL
	_, err := drain(e.StreamPCM48k(context.Background(), "hello"))
	require.ErrorContains(t, err, "status=401")
}
