package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spherical-ai/textimage/internal/imagestore"
)

func newStore(t *testing.T) *imagestore.Store {
	t.Helper()
	store, err := imagestore.New(t.TempDir())
	require.NoError(t, err)
	return store
}

func TestNewFALClient_RequiresKey(t *testing.T) {
	_, err := NewFALClient(FALConfig{}, nil)
	assert.Error(t, err)
}

func TestFALClient_Generate(t *testing.T) {
	mux := http.NewServeMux()
	var srv *httptest.Server
	var got FALRequest
	mux.HandleFunc("/fal-ai/flux-pro/v1.1", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Key fal-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_ = json.NewEncoder(w).Encode(FALResponse{
			Images:          []FALImage{{URL: srv.URL + "/files/out.png", Width: 1024, Height: 768}},
			HasNSFWConcepts: []bool{false},
		})
	})
	mux.HandleFunc("/files/out.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("image-bytes"))
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	store := newStore(t)
	c, err := NewFALClient(FALConfig{APIKey: "fal-test", BaseURL: srv.URL}, store)
	require.NoError(t, err)

	ref, err := c.Generate(context.Background(), "A poster with text 'Hackathon 2025'")
	require.NoError(t, err)

	data, err := store.Read(ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("image-bytes"), data)

	assert.Equal(t, "A poster with text 'Hackathon 2025'", got.Prompt)
	assert.Equal(t, "landscape_4_3", got.ImageSize)
	assert.Equal(t, 1, got.NumImages)
	assert.Equal(t, "2", got.SafetyTolerance)
	assert.True(t, got.EnableSafetyChecker)
}

func TestFALClient_DataURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		url := "data:image/png;base64," + base64.StdEncoding.EncodeToString([]byte("inline"))
		_ = json.NewEncoder(w).Encode(FALResponse{Images: []FALImage{{URL: url}}})
	}))
	defer srv.Close()

	store := newStore(t)
	c, err := NewFALClient(FALConfig{APIKey: "k", BaseURL: srv.URL}, store)
	require.NoError(t, err)

	ref, err := c.Generate(context.Background(), "p")
	require.NoError(t, err)
	data, err := store.Read(ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("inline"), data)
}

func TestFALClient_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		wantErr string
	}{
		{"server error", http.StatusInternalServerError, `{"detail":"boom"}`, "status 500"},
		{"no images", http.StatusOK, `{"images":[]}`, "no image returned"},
		{"nsfw", http.StatusOK, `{"images":[{"url":"data:image/png;base64,AA=="}],"has_nsfw_concepts":[true]}`, "safety checker"},
		{"bad json", http.StatusOK, `{`, "unmarshal response"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c, err := NewFALClient(FALConfig{APIKey: "k", BaseURL: srv.URL}, newStore(t))
			require.NoError(t, err)

			_, err = c.Generate(context.Background(), "p")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.wantErr)
		})
	}
}

func TestRenderer_Generate(t *testing.T) {
	store := newStore(t)
	r := NewRenderer(RenderConfig{Width: 800, Height: 600, Scale: 4}, store)

	ref, err := r.Generate(context.Background(), "A poster with text 'Hackathon 2025'")
	require.NoError(t, err)

	data, err := store.Read(ref)
	require.NoError(t, err)
	img, err := png.Decode(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 800, img.Bounds().Dx())
	assert.Equal(t, 600, img.Bounds().Dy())
}

func TestRenderer_Rewrite(t *testing.T) {
	var seen []string
	r := NewRenderer(RenderConfig{Rewrite: func(attempt int, text string) string {
		seen = append(seen, text)
		if attempt == 1 {
			return "Hackethon 205"
		}
		return text
	}}, newStore(t))

	_, err := r.Generate(context.Background(), "sign saying 'Hackathon 2025'")
	require.NoError(t, err)
	_, err = r.Generate(context.Background(), "sign saying 'Hackathon 2025'")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hackathon 2025", "Hackathon 2025"}, seen)
}

func TestRenderer_TextTooLarge(t *testing.T) {
	r := NewRenderer(RenderConfig{Width: 64, Height: 32, Scale: 8}, newStore(t))
	_, err := r.Generate(context.Background(), "'Hackathon 2025 Grand Finale'")
	assert.ErrorContains(t, err, "does not fit")
}

func TestRenderer_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewRenderer(RenderConfig{}, newStore(t)).Generate(ctx, "'x'")
	assert.ErrorIs(t, err, context.Canceled)
}
