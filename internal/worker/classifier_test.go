package worker

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	origin, err := url.Parse(testOrigin)
	require.NoError(t, err)
	classifier := NewClassifier(origin, []string{"cdn.jsdelivr.net", " Fonts.Example.org "})

	tests := []struct {
		name   string
		method string
		url    string
		mode   string
		accept string
		want   Class
	}{
		{
			name:   "navigate mode wins on any origin",
			method: http.MethodPost,
			url:    "https://elsewhere.example.net/login",
			mode:   ModeNavigate,
			want:   ClassNavigation,
		},
		{
			name:   "GET accepting html",
			method: http.MethodGet,
			url:    testOrigin + "/about",
			accept: "text/html,application/xhtml+xml;q=0.9",
			want:   ClassNavigation,
		},
		{
			name:   "GET accepting html on the allow list",
			method: http.MethodGet,
			url:    testCDN + "/npm/page.html",
			accept: "text/html",
			want:   ClassNavigation,
		},
		{
			name:   "POST accepting html without navigate mode",
			method: http.MethodPost,
			url:    testOrigin + "/form",
			accept: "text/html",
			want:   ClassSameOrigin,
		},
		{
			name:   "same-origin asset",
			method: http.MethodGet,
			url:    testOrigin + "/app.js",
			accept: "*/*",
			want:   ClassSameOrigin,
		},
		{
			name:   "same-origin with explicit default port",
			method: http.MethodGet,
			url:    "https://APP.example.com:443/style.css",
			want:   ClassSameOrigin,
		},
		{
			name:   "different port is another origin",
			method: http.MethodGet,
			url:    "https://app.example.com:8443/app.js",
			want:   ClassOther,
		},
		{
			name:   "different scheme is another origin",
			method: http.MethodGet,
			url:    "http://app.example.com/app.js",
			want:   ClassOther,
		},
		{
			name:   "allow-listed host",
			method: http.MethodGet,
			url:    testCDN + "/npm/lib@1/dist/lib.min.js",
			want:   ClassAllowListedCDN,
		},
		{
			name:   "allow-listed host ignores case and port",
			method: http.MethodGet,
			url:    "https://CDN.jsdelivr.net:443/npm/lib.js",
			want:   ClassAllowListedCDN,
		},
		{
			name:   "allow list entries are trimmed",
			method: http.MethodGet,
			url:    "https://fonts.example.org/font.woff2",
			want:   ClassAllowListedCDN,
		},
		{
			name:   "subdomain of an allow-listed host",
			method: http.MethodGet,
			url:    "https://sub.cdn.jsdelivr.net/npm/lib.js",
			want:   ClassOther,
		},
		{
			name:   "unknown third party",
			method: http.MethodGet,
			url:    "https://api.example.net/data.json",
			accept: "application/json",
			want:   ClassOther,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := newRequest(t, tt.method, tt.url, tt.mode, tt.accept)
			assert.Equal(t, tt.want, classifier.Classify(req))
		})
	}
}

func TestClassifyWithoutHeaders(t *testing.T) {
	origin, err := url.Parse(testOrigin)
	require.NoError(t, err)
	classifier := NewClassifier(origin, nil)

	u, err := url.Parse(testOrigin + "/app.js")
	require.NoError(t, err)
	assert.Equal(t, ClassSameOrigin, classifier.Classify(&Request{Method: http.MethodGet, URL: u}))
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "navigation", ClassNavigation.String())
	assert.Equal(t, "same-origin", ClassSameOrigin.String())
	assert.Equal(t, "allow-listed-cdn", ClassAllowListedCDN.String())
	assert.Equal(t, "other", ClassOther.String())
}
