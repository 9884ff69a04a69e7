package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chatServer(t *testing.T, status int, content string) (*httptest.Server, *[]chatRequest) {
	t.Helper()
	var requests []chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		requests = append(requests, req)

		w.WriteHeader(status)
		resp := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	t.Cleanup(srv.Close)
	return srv, &requests
}

func TestChatClassifyYes(t *testing.T) {
	srv, requests := chatServer(t, http.StatusOK,
		"The page shows an email field and a password field. YES")
	client := NewChatClient(ChatConfig{
		BaseURL: srv.URL + "/v1",
		APIKey:  "secret",
		Model:   "test-vlm",
	}, zap.NewNop())

	verdict, err := client.Classify(context.Background(), "https://example.com/shot.png")
	require.NoError(t, err)
	assert.True(t, verdict.LoginPresent)

	require.Len(t, *requests, 1)
	req := (*requests)[0]
	assert.Equal(t, "test-vlm", req.Model)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, "system", req.Messages[0].Role)
	assert.Equal(t, "user", req.Messages[1].Role)
}

func TestChatClassifyNo(t *testing.T) {
	srv, _ := chatServer(t, http.StatusOK,
		"Only a search box is visible, no credential inputs. NO")
	client := NewChatClient(ChatConfig{BaseURL: srv.URL + "/v1", Model: "test-vlm"}, zap.NewNop())

	verdict, err := client.Classify(context.Background(), "https://example.com/shot.png")
	require.NoError(t, err)
	assert.False(t, verdict.LoginPresent)
}

func TestChatClassifyHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model overloaded", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)

	client := NewChatClient(ChatConfig{BaseURL: srv.URL, Model: "test-vlm"}, zap.NewNop())
	_, err := client.Classify(context.Background(), "https://example.com/shot.png")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}

func TestChatClassifyNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	t.Cleanup(srv.Close)

	client := NewChatClient(ChatConfig{BaseURL: srv.URL, Model: "test-vlm"}, zap.NewNop())
	_, err := client.Classify(context.Background(), "https://example.com/shot.png")
	assert.Error(t, err)
}

func TestParseVerdict(t *testing.T) {
	cases := []struct {
		name    string
		text    string
		present bool
		wantErr bool
	}{
		{name: "plain yes", text: "YES", present: true},
		{name: "plain no", text: "NO", present: false},
		{name: "last token wins", text: "No fields at first glance... wait, there is one. YES", present: true},
		{name: "reasoning flips to no", text: "It could be YES, but the field is a search box. NO", present: false},
		{name: "lowercase", text: "the answer is yes", present: true},
		{name: "quoted", text: `Respond: "NO"`, present: false},
		{name: "no verdict", text: "I cannot tell from this image.", wantErr: true},
		{name: "substring not counted", text: "NOTHING here resembles a login.", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			verdict, err := ParseVerdict(tc.text)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.present, verdict.LoginPresent)
		})
	}
}
