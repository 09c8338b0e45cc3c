package convert

import (
	"context"
	"errors"
	"image/color"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/zlog"

	"github.com/aliskhannn/webp-offload/internal/config"
)

func TestMain(m *testing.M) {
	zlog.Init()
	os.Exit(m.Run())
}

var fakeWebP = []byte("RIFF\x1a\x00\x00\x00WEBPVP8 ")

// spyCodec records invocations and writes fakeWebP.
type spyCodec struct {
	available bool
	calls     int
	quality   int
	output    []byte
}

func (s *spyCodec) Name() string    { return "spy" }
func (s *spyCodec) Available() bool { return s.available }

func (s *spyCodec) Encode(_ context.Context, _, dst string, quality int) error {
	s.calls++
	s.quality = quality
	return os.WriteFile(dst, s.output, 0o644)
}

func writeImage(t *testing.T, name string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	img := imaging.New(8, 6, color.NRGBA{R: 200, G: 10, B: 10, A: 128})
	require.NoError(t, imaging.Save(img, path))
	return path
}

func remoteConfig(url string) config.Conversion {
	return config.Conversion{
		UseRemote:    true,
		RemoteURL:    url,
		RemoteAPIKey: "k3y",
		Timeout:      time.Minute,
	}
}

func TestRemoteConvert(t *testing.T) {
	var gotType, gotKey string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotType = r.Header.Get("Content-Type")
		gotKey = r.Header.Get("X-API-Key")
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = w.Write(fakeWebP)
	}))
	defer srv.Close()

	src := writeImage(t, "img.png")
	codec := &spyCodec{available: true, output: fakeWebP}
	g := New(remoteConfig(srv.URL), codec)

	data, err := g.Convert(context.Background(), src)
	require.NoError(t, err)

	want, err := os.ReadFile(src)
	require.NoError(t, err)
	assert.Equal(t, fakeWebP, data)
	assert.Equal(t, "image/png", gotType)
	assert.Equal(t, "k3y", gotKey)
	assert.Equal(t, want, gotBody)
	assert.Equal(t, "remote", g.Method())
	assert.Zero(t, codec.calls)
}

func TestRemoteFailureNeverFallsBack(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				var ae *AuthError
				require.ErrorAs(t, err, &ae)
				assert.Equal(t, http.StatusUnauthorized, ae.Status)
			},
		},
		{
			name:   "forbidden",
			status: http.StatusForbidden,
			check: func(t *testing.T, err error) {
				var ae *AuthError
				require.ErrorAs(t, err, &ae)
			},
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			check: func(t *testing.T, err error) {
				var re *RemoteError
				require.ErrorAs(t, err, &re)
				assert.Equal(t, http.StatusBadGateway, re.Status)
				assert.Equal(t, "upstream down", re.Body)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, "upstream down")
			}))
			defer srv.Close()

			codec := &spyCodec{available: true, output: fakeWebP}
			g := New(remoteConfig(srv.URL), codec)

			_, err := g.Convert(context.Background(), writeImage(t, "img.jpg"))
			require.Error(t, err)
			tt.check(t, err)
			assert.Zero(t, codec.calls, "local codec must not run in remote mode")
		})
	}
}

func TestRemoteTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	codec := &spyCodec{available: true, output: fakeWebP}
	g := New(remoteConfig(url), codec)

	_, err := g.Convert(context.Background(), writeImage(t, "img.jpg"))

	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Zero(t, codec.calls)
}

func TestLocalPicksFirstAvailableCodec(t *testing.T) {
	missing := &spyCodec{available: false}
	present := &spyCodec{available: true, output: fakeWebP}
	g := New(config.Conversion{}, missing, present)

	data, err := g.Convert(context.Background(), writeImage(t, "img.png"))
	require.NoError(t, err)
	assert.Equal(t, fakeWebP, data)
	assert.Zero(t, missing.calls)
	assert.Equal(t, 1, present.calls)
	assert.Equal(t, 85, present.quality)
	assert.Equal(t, "spy", g.Method())
}

func TestLocalNoConverter(t *testing.T) {
	g := New(config.Conversion{}, &spyCodec{available: false})

	_, err := g.Convert(context.Background(), writeImage(t, "img.png"))
	assert.ErrorIs(t, err, ErrNoConverter)
	assert.Equal(t, "none", g.Method())
}

func TestLocalEmptyOutput(t *testing.T) {
	g := New(config.Conversion{}, &spyCodec{available: true, output: nil})

	_, err := g.Convert(context.Background(), writeImage(t, "img.jpg"))
	assert.ErrorIs(t, err, ErrConversionFailed)
}

func TestLocalUnsupportedType(t *testing.T) {
	path := filepath.Join(t.TempDir(), "doc.txt")
	require.NoError(t, os.WriteFile(path, []byte("plain text"), 0o644))

	codec := &spyCodec{available: true, output: fakeWebP}
	g := New(config.Conversion{}, codec)

	_, err := g.Convert(context.Background(), path)

	var ue *UnsupportedTypeError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "text/plain; charset=utf-8", ue.MIME)
	assert.Zero(t, codec.calls)
}
