package service

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/sxxxxxxxxxxxxxxxxxxxxx/imagine-engine-sub002/internal/model"
)

type memStore struct {
	saved [][]byte
}

func (m *memStore) Save(_ context.Context, userID string, data []byte) (*model.Artifact, error) {
	m.saved = append(m.saved, data)
	return &model.Artifact{ImageURL: "https://storage.example/generated/" + userID + "/x.png", MimeType: "image/png"}, nil
}

func TestExtractImageURL(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
		ok   bool
	}{
		{
			name: "images array",
			body: `{"choices":[{"message":{"content":"![x](https://ignored/a.png)","images":[{"image_url":{"url":"https://cdn/a.png"}}]}}]}`,
			want: "https://cdn/a.png", ok: true,
		},
		{
			name: "markdown",
			body: `{"choices":[{"message":{"content":"Here you go ![result](https://cdn/b.png) enjoy"}}]}`,
			want: "https://cdn/b.png", ok: true,
		},
		{
			name: "bare data url",
			body: `{"choices":[{"message":{"content":"data:image/png;base64,AAAA"}}]}`,
			want: "data:image/png;base64,AAAA", ok: true,
		},
		{
			name: "multipart content",
			body: `{"choices":[{"message":{"content":[{"type":"text","text":"![r](https://cdn/c.png)"}]}}]}`,
			want: "https://cdn/c.png", ok: true,
		},
		{
			name: "text only",
			body: `{"choices":[{"message":{"content":"sorry, I cannot draw that"}}]}`,
			ok:   false,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ExtractImageURL([]byte(tc.body))
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestImageClientGenerateImageUploadsDataURL(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer user-key", r.Header.Get("Authorization"))
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"","images":[{"image_url":{"url":"data:image/png;base64,`+tinyPNG+`"}}]}}]}`)
	}))
	defer srv.Close()

	store := &memStore{}
	c := NewImageClient(srv.Client(), store, "https://unused.example", "default-key", zerolog.Nop())
	art, err := c.GenerateImage(context.Background(), "u1", UpstreamRequest{
		Model:       "gemini-3-pro-image-preview",
		Prompt:      "a red fox",
		Images:      []string{"https://example.com/in.png"},
		AspectRatio: "16:9",
		APIKey:      "user-key",
		BaseURL:     srv.URL + "/",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://storage.example/generated/u1/x.png", art.ImageURL)
	require.Len(t, store.saved, 1)

	assert.Equal(t, "gemini-3-pro-image-preview", gjson.GetBytes(gotBody, "model").String())
	assert.Equal(t, "a red fox", gjson.GetBytes(gotBody, "messages.0.content.0.text").String())
	assert.Equal(t, "https://example.com/in.png", gjson.GetBytes(gotBody, "messages.0.content.1.image_url.url").String())
	assert.Equal(t, "16:9", gjson.GetBytes(gotBody, "image_config.aspect_ratio").String())
	assert.Equal(t, "image", gjson.GetBytes(gotBody, "modalities.0").String())
}

func TestImageClientPassesThroughRemoteURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"![img](https://cdn.example/out.webp)"}}]}`)
	}))
	defer srv.Close()

	store := &memStore{}
	c := NewImageClient(srv.Client(), store, srv.URL, "k", zerolog.Nop())
	art, err := c.GenerateImage(context.Background(), "u1", UpstreamRequest{Model: "m", Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example/out.webp", art.ImageURL)
	assert.Empty(t, store.saved)
}

func TestImageClientErrors(t *testing.T) {
	t.Run("upstream status", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = io.WriteString(w, `{"error":{"message":"rate limited"}}`)
		}))
		defer srv.Close()
		c := NewImageClient(srv.Client(), &memStore{}, srv.URL, "k", zerolog.Nop())
		_, err := c.GenerateImage(context.Background(), "u1", UpstreamRequest{Model: "m", Prompt: "p"})
		var ue *UpstreamError
		require.True(t, errors.As(err, &ue))
		assert.Equal(t, http.StatusTooManyRequests, ue.StatusCode)
		assert.Equal(t, "rate limited", ue.Message)
	})

	t.Run("no image", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"no"}}]}`)
		}))
		defer srv.Close()
		c := NewImageClient(srv.Client(), &memStore{}, srv.URL, "k", zerolog.Nop())
		_, err := c.GenerateImage(context.Background(), "u1", UpstreamRequest{Model: "m", Prompt: "p"})
		assert.ErrorIs(t, err, ErrNoImage)
	})

	t.Run("custom base url never gets the default key", func(t *testing.T) {
		called := false
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			called = true
		}))
		defer srv.Close()
		c := NewImageClient(srv.Client(), &memStore{}, "https://unused.example", "server-default-key", zerolog.Nop())
		_, err := c.GenerateImage(context.Background(), "u1", UpstreamRequest{Model: "m", Prompt: "p", BaseURL: srv.URL})
		assert.ErrorIs(t, err, ErrNoAPIKey)
		assert.False(t, called)
	})

	t.Run("no key", func(t *testing.T) {
		c := NewImageClient(nil, &memStore{}, "http://127.0.0.1:1", "", zerolog.Nop())
		_, err := c.GenerateText(context.Background(), UpstreamRequest{Model: "m", Prompt: "p"})
		assert.ErrorIs(t, err, ErrNoAPIKey)
	})
}

func TestImageClientGenerateText(t *testing.T) {
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotBody, _ = io.ReadAll(r.Body)
		_, _ = io.WriteString(w, `{"choices":[{"message":{"content":"# Outline\n1. Cells"}}]}`)
	}))
	defer srv.Close()

	c := NewImageClient(srv.Client(), &memStore{}, srv.URL, "k", zerolog.Nop())
	art, err := c.GenerateText(context.Background(), UpstreamRequest{Model: "gemini-2.5-flash", System: "be brief", Prompt: "cells"})
	require.NoError(t, err)
	assert.Equal(t, "# Outline\n1. Cells", art.Text)
	assert.Equal(t, "system", gjson.GetBytes(gotBody, "messages.0.role").String())
	assert.False(t, gjson.GetBytes(gotBody, "modalities").Exists())
}
