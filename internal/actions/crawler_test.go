package actions

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wordpressPage = `<!DOCTYPE html>
<html><head>
<title> Acme   Bakery </title>
<meta name="description" content="Fresh bread daily">
<meta name="generator" content="WordPress 6.4.2">
<link rel="stylesheet" href="/wp-content/themes/acme/style.css">
<script src="/wp-includes/js/jquery.js"></script>
<script>var hidden = "not text";</script>
</head><body>
<h1>Welcome to Acme</h1>
<h2>Our breads</h2>
<p>We bake sourdough every morning.</p>
<a href="/menu">Menu</a> <a href="/contact">Contact</a> <a>no href</a>
</body></html>`

func TestCrawler_Crawl(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, wordpressPage)
	}))
	defer srv.Close()

	page, err := NewCrawler(srv.Client()).Crawl(context.Background(), srv.URL)
	require.NoError(t, err)

	assert.Equal(t, "Acme Bakery", page.Title)
	assert.Equal(t, "Fresh bread daily", page.Description)
	assert.Equal(t, "WordPress 6.4.2", page.Generator)
	assert.Equal(t, []string{"Welcome to Acme", "Our breads"}, page.Headings)
	assert.Equal(t, 2, page.LinkCount)
	assert.Contains(t, page.Assets, "/wp-includes/js/jquery.js")
	assert.Contains(t, page.Text, "sourdough every morning")
	assert.NotContains(t, page.Text, "not text")
	assert.NotContains(t, page.Text, "Acme Bakery", "title is not repeated in body text")
}

func TestCrawler_Execute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, wordpressPage)
	}))
	defer srv.Close()
	c := NewCrawler(srv.Client())

	res := c.Execute(context.Background(), map[string]any{"url": srv.URL}, Context{})
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "Acme Bakery", res.Data["title"])
	assert.Equal(t, float64(200), res.Data["statusCode"])

	res = c.Execute(context.Background(), map[string]any{"url": srv.URL + "/missing"}, Context{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unexpected status 404")

	res = c.Execute(context.Background(), map[string]any{}, Context{})
	assert.False(t, res.Success)
	assert.Equal(t, "url is required", res.Error)
}

func TestCrawler_ExecuteTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	res := NewCrawler(srv.Client()).Execute(ctx, map[string]any{"url": srv.URL}, Context{})
	assert.False(t, res.Success)
	assert.Equal(t, TimeoutError, res.Error)
}

func TestNormalizeURL(t *testing.T) {
	got, err := NormalizeURL(" example.com ")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", got)

	_, err = NormalizeURL("ftp://example.com")
	assert.Error(t, err)
	_, err = NormalizeURL("")
	assert.Error(t, err)
}

func TestCrawler_RefusesNonPublicAddresses(t *testing.T) {
	var hits int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		fmt.Fprint(w, wordpressPage)
	}))
	defer srv.Close()

	c := NewCrawler(PublicHTTPClient(time.Second))
	res := c.Execute(context.Background(), map[string]any{"url": srv.URL}, Context{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "non-public address")

	res = c.Execute(context.Background(), map[string]any{"url": "http://169.254.169.254/latest/meta-data/"}, Context{})
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "non-public address")
	assert.Zero(t, hits)
}

func TestIsPublicIP(t *testing.T) {
	for _, addr := range []string{"127.0.0.1", "::1", "10.1.2.3", "172.16.0.1", "192.168.1.1",
		"169.254.169.254", "fe80::1", "fd00::1", "0.0.0.0", "100.64.0.1", "224.0.0.1"} {
		assert.False(t, IsPublicIP(net.ParseIP(addr)), addr)
	}
	for _, addr := range []string{"93.184.216.34", "8.8.8.8", "2606:4700:4700::1111"} {
		assert.True(t, IsPublicIP(net.ParseIP(addr)), addr)
	}
}

type stubGenerator struct {
	out        string
	err        error
	lastSystem string
	lastUser   string
}

func (g *stubGenerator) GeneratePrompt(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	g.lastSystem, g.lastUser = systemPrompt, userPrompt
	return g.out, g.err
}

func TestDetectPlatform(t *testing.T) {
	tests := []struct {
		generator string
		assets    []string
		want      string
	}{
		{"WordPress 6.4", nil, "wordpress"},
		{"", []string{"https://cdn.shopify.com/s/files/theme.js"}, "shopify"},
		{"", []string{"https://static.wixstatic.com/media/logo.png"}, "wix"},
		{"", []string{"https://assets.squarespace.com/universal/scripts.js"}, "squarespace"},
		{"Webflow", nil, "webflow"},
		{"", []string{"/static/app.js"}, "custom"},
	}
	for _, tc := range tests {
		got, _ := DetectPlatform(tc.generator, tc.assets)
		assert.Equal(t, tc.want, got, "generator=%q assets=%v", tc.generator, tc.assets)
	}
}

func TestPlatformDetector_UsesStoredCrawl(t *testing.T) {
	d := &PlatformDetector{crawler: NewCrawler(&http.Client{Transport: failingTransport{}})}
	actx := Context{ExternalData: map[string]any{
		ActionCrawlWebsite: map[string]any{
			"url":       "https://x.com",
			"generator": "WordPress 6.4",
			"assets":    []any{"/wp-content/a.css"},
		},
	}}

	res := d.Execute(context.Background(), map[string]any{"url": "https://x.com/"}, actx)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "wordpress", res.Data["platform"])
	assert.Equal(t, "high", res.Data["confidence"])

	res = d.Execute(context.Background(), map[string]any{}, Context{})
	assert.False(t, res.Success)
}

type failingTransport struct{}

func (failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	return nil, errors.New("network disabled")
}

func TestBusinessAnalyzer(t *testing.T) {
	gen := &stubGenerator{out: "  Acme bakes bread.  "}
	a := &BusinessAnalyzer{gen: gen, crawler: NewCrawler(&http.Client{Transport: failingTransport{}})}
	actx := Context{ExternalData: map[string]any{
		ActionCrawlWebsite: map[string]any{"url": "https://x.com", "title": "Acme", "headings": []any{"Bread"}, "text": "We bake."},
	}}

	res := a.Execute(context.Background(), map[string]any{"focus": "pricing"}, actx)
	require.True(t, res.Success, res.Error)
	assert.Equal(t, "Acme bakes bread.", res.Data["summary"])
	assert.True(t, strings.Contains(gen.lastUser, "Title: Acme"))
	assert.True(t, strings.Contains(gen.lastUser, "Focus on: pricing"))

	gen.err = errors.New("quota exceeded")
	res = a.Execute(context.Background(), nil, actx)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "quota exceeded")

	res = (&BusinessAnalyzer{}).Execute(context.Background(), nil, actx)
	assert.False(t, res.Success)
}

func TestInterviewSummarizer(t *testing.T) {
	gen := &stubGenerator{out: "Brief"}
	s := &InterviewSummarizer{gen: gen}

	res := s.Execute(context.Background(), nil, Context{Responses: map[string]any{"url": "https://x.com", "goals": []any{"seo", "ads"}}})
	require.True(t, res.Success)
	assert.Equal(t, "Brief", res.Data["summary"])
	assert.Equal(t, "- goals: seo, ads\n- url: https://x.com\n", gen.lastUser)
}
