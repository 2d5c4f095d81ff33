package cloudinary

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) { return f(req) }

func newTestService(t *testing.T) *Service {
	t.Helper()
	svc, err := New(Config{CloudName: "gema", APIKey: "key", APISecret: "secret", Folder: "/chat/"}, zerolog.Nop())
	require.NoError(t, err)
	return svc
}

func TestNewRequiresCredentials(t *testing.T) {
	_, err := New(Config{CloudName: "gema"}, zerolog.Nop())
	require.Error(t, err)

	svc := newTestService(t)
	require.Equal(t, "chat", svc.folder)
}

func TestFetchRejectsForeignAssets(t *testing.T) {
	svc := newTestService(t)

	for _, uri := range []string{
		"https://res.cloudinary.com/other/image/upload/a.png",
		"https://evil.example.com/gema/a.png",
		"http://res.cloudinary.com/gema/a.png",
	} {
		_, err := svc.Fetch(context.Background(), uri)
		require.ErrorIs(t, err, ErrForeignAsset, uri)
	}
}

func TestFetchStreamsOwnAssets(t *testing.T) {
	svc := newTestService(t)
	svc.http = &http.Client{Transport: roundTripFunc(func(req *http.Request) (*http.Response, error) {
		if strings.HasSuffix(req.URL.Path, "/missing.png") {
			return &http.Response{StatusCode: http.StatusNotFound, Body: io.NopCloser(strings.NewReader(""))}, nil
		}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("png-bytes"))}, nil
	})}

	body, err := svc.Fetch(context.Background(), "https://res.cloudinary.com/gema/image/upload/chat/plan.png")
	require.NoError(t, err)
	defer body.Close()
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.Equal(t, "png-bytes", string(data))

	_, err = svc.Fetch(context.Background(), "https://res.cloudinary.com/gema/image/upload/chat/missing.png")
	require.ErrorContains(t, err, "status 404")
}

func TestBuildPublicIDIsUniqueAndSafe(t *testing.T) {
	first := buildPublicID("Launch Plan (v2).png")
	require.True(t, strings.HasPrefix(first, "Launch-Plan--v2-"), first)
	require.NotContains(t, first, ".png")

	require.True(t, strings.HasPrefix(buildPublicID("..."), "attachment-"))
}
