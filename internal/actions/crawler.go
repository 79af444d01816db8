package actions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"github.com/BTreeMap/IntakePipe/internal/models"
)

const (
	// ActionCrawlWebsite fetches and summarises a web page.
	ActionCrawlWebsite = "crawl_website"

	defaultCrawlMaxBytes = 2 << 20
	maxHeadings          = 20
	maxAssets            = 100
	maxTextRunes         = 4000
	crawlerUserAgent     = "IntakePipe/1.0 (+onboarding crawler)"
)

// Page is the structured result of a crawl.
type Page struct {
	URL         string
	FinalURL    string
	StatusCode  int
	Title       string
	Description string
	Generator   string
	Headings    []string
	LinkCount   int
	Assets      []string
	Text        string
}

// Data converts the page into an ActionResult payload.
func (p *Page) Data() map[string]any {
	return map[string]any{
		"url":         p.URL,
		"finalUrl":    p.FinalURL,
		"statusCode":  float64(p.StatusCode),
		"title":       p.Title,
		"description": p.Description,
		"generator":   p.Generator,
		"headings":    toAnyList(p.Headings),
		"linkCount":   float64(p.LinkCount),
		"assets":      toAnyList(p.Assets),
		"text":        p.Text,
	}
}

func toAnyList(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

// Crawler fetches a single page and extracts the signals onboarding cares about.
type Crawler struct {
	client   *http.Client
	maxBytes int64
}

// NewCrawler creates a crawler. A nil client gets PublicHTTPClient with a 20 second timeout.
func NewCrawler(client *http.Client) *Crawler {
	if client == nil {
		client = PublicHTTPClient(20 * time.Second)
	}
	return &Crawler{client: client, maxBytes: defaultCrawlMaxBytes}
}

// PublicHTTPClient returns a client that only connects to public unicast
// addresses. The check runs on the resolved address of every dial, so host
// names and redirects that point into private ranges are refused as well.
func PublicHTTPClient(timeout time.Duration) *http.Client {
	dialer := &net.Dialer{
		Timeout: 10 * time.Second,
		Control: func(network, address string, _ syscall.RawConn) error {
			host, _, err := net.SplitHostPort(address)
			if err != nil {
				return err
			}
			if ip := net.ParseIP(host); ip == nil || !IsPublicIP(ip) {
				return fmt.Errorf("refusing to connect to non-public address %s", host)
			}
			return nil
		},
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = dialer.DialContext
	return &http.Client{Timeout: timeout, Transport: transport}
}

// sharedAddressSpace is the carrier-grade NAT range, RFC 6598.
var sharedAddressSpace = &net.IPNet{IP: net.IPv4(100, 64, 0, 0), Mask: net.CIDRMask(10, 32)}

// IsPublicIP reports whether ip is a globally routable unicast address.
func IsPublicIP(ip net.IP) bool {
	if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() ||
		ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() ||
		ip.IsInterfaceLocalMulticast() || ip.IsMulticast() {
		return false
	}
	if ip4 := ip.To4(); ip4 != nil && sharedAddressSpace.Contains(ip4) {
		return false
	}
	return true
}

// NormalizeURL adds an https scheme to bare host names and rejects non-web URLs.
func NormalizeURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url is required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url has no host")
	}
	return u.String(), nil
}

// Crawl fetches rawURL and parses the returned HTML.
func (c *Crawler) Crawl(ctx context.Context, rawURL string) (*Page, error) {
	target, err := NormalizeURL(rawURL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", crawlerUserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d from %s", resp.StatusCode, target)
	}

	doc, err := html.Parse(io.LimitReader(resp.Body, c.maxBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to parse html: %w", err)
	}

	page := &Page{URL: target, FinalURL: resp.Request.URL.String(), StatusCode: resp.StatusCode}
	var text strings.Builder
	extract(doc, page, &text)
	page.Text = truncateRunes(collapseSpace(text.String()), maxTextRunes)
	return page, nil
}

func extract(n *html.Node, page *Page, text *strings.Builder) {
	if n.Type == html.ElementNode {
		switch n.DataAtom {
		case atom.Script:
			if src := attr(n, "src"); src != "" {
				page.addAsset(src)
			}
			return
		case atom.Style, atom.Noscript, atom.Template:
			return
		case atom.Title:
			if page.Title == "" {
				page.Title = collapseSpace(nodeText(n))
			}
			return
		case atom.Meta:
			name := strings.ToLower(attr(n, "name"))
			if name == "" {
				name = strings.ToLower(attr(n, "property"))
			}
			switch name {
			case "description", "og:description":
				if page.Description == "" {
					page.Description = strings.TrimSpace(attr(n, "content"))
				}
			case "generator":
				page.Generator = strings.TrimSpace(attr(n, "content"))
			}
		case atom.Link:
			if href := attr(n, "href"); href != "" {
				page.addAsset(href)
			}
		case atom.A:
			if attr(n, "href") != "" {
				page.LinkCount++
			}
		case atom.H1, atom.H2, atom.H3:
			if h := collapseSpace(nodeText(n)); h != "" && len(page.Headings) < maxHeadings {
				page.Headings = append(page.Headings, h)
			}
		}
	}
	if n.Type == html.TextNode {
		text.WriteString(n.Data)
		text.WriteByte(' ')
	}
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		extract(child, page, text)
	}
}

func (p *Page) addAsset(ref string) {
	if len(p.Assets) < maxAssets {
		p.Assets = append(p.Assets, ref)
	}
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

func nodeText(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
			b.WriteByte(' ')
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return b.String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// Execute implements the crawl_website action. Parameters: url.
func (c *Crawler) Execute(ctx context.Context, params map[string]any, actx Context) models.ActionResult {
	page, err := c.Crawl(ctx, StringParam(params, "url"))
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.ActionFailed(TimeoutError)
		}
		return models.ActionFailed(err.Error())
	}
	return models.ActionOK(page.Data())
}
