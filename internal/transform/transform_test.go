package transform

import (
	"bytes"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"

	"github.com/soulteary/cdn-proxy/internal/config"
	apperrors "github.com/soulteary/cdn-proxy/internal/errors"
)

func testConfig() config.TransformConfig {
	return config.TransformConfig{
		EnableMinifyHTML:    true,
		EnableMarkdown:      true,
		EnableJSONHighlight: true,
		EnableCSV:           true,
		EnableText:          true,
		EnableXML:           true,
		MaxBodyBytes:        1 << 20,
		URLRewrite: config.URLRewriteConfig{
			Enabled:           true,
			RewriteHTML:       true,
			RewriteJS:         true,
			RewriteCSS:        true,
			RewriteInline:     true,
			PreserveFragments: true,
			PreserveQuery:     true,
			MaxContentSize:    1 << 20,
		},
	}
}

func testContext() Context {
	return Context{
		ProxyHost:    "p.example",
		ProxyScheme:  "https",
		UpstreamHost: "origin.example",
		FrontedHost: func(host string) bool {
			return host == "allabout.example" || host == "origin.example"
		},
	}
}

func newTestPipeline(t *testing.T) *Pipeline {
	t.Helper()
	cfg := testConfig()
	return New(cfg, NewURLRewriter(cfg.URLRewrite))
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func TestRunDecompressesGzip(t *testing.T) {
	p := newTestPipeline(t)
	body := []byte("<html><head></head><body>hi</body></html>")

	out, err := p.Run(Input{
		Body:            gzipBytes(t, body),
		ContentType:     "text/html",
		ContentEncoding: "gzip",
	}, testContext())
	if err != nil {
		t.Fatal(err)
	}
	if !out.Decompressed {
		t.Error("expected Decompressed=true")
	}
	if out.ContentEncoding != "" {
		t.Errorf("ContentEncoding = %q, want empty after full decode", out.ContentEncoding)
	}
	if !bytes.Contains(out.Body, []byte("hi")) {
		t.Errorf("body = %q", out.Body)
	}
}

func TestRunCorruptGzipScriptFailsClosed(t *testing.T) {
	p := newTestPipeline(t)
	truncated := gzipBytes(t, []byte("var x = 1;"))[:5]

	_, err := p.Run(Input{
		Body:            truncated,
		ContentType:     "application/javascript",
		ContentEncoding: "gzip",
		IsScript:        true,
	}, testContext())
	if err == nil {
		t.Fatal("expected fatal decompression error for corrupt JS")
	}
	if apperrors.GetCode(err) != apperrors.ErrDecompressFatal {
		t.Errorf("code = %v, want ErrDecompressFatal", apperrors.GetCode(err))
	}
}

func TestRunCorruptGzipNonScriptFailsOpen(t *testing.T) {
	p := newTestPipeline(t)
	truncated := gzipBytes(t, []byte("<html></html>"))[:5]

	out, err := p.Run(Input{
		Body:            truncated,
		ContentType:     "text/html",
		ContentEncoding: "gzip",
	}, testContext())
	if err != nil {
		t.Fatalf("expected fail-open, got %v", err)
	}
	if !bytes.Equal(out.Body, truncated) {
		t.Error("expected original compressed bytes to pass through")
	}
	if out.ContentEncoding != "gzip" {
		t.Errorf("ContentEncoding = %q, want gzip preserved", out.ContentEncoding)
	}
}

func TestRunMarkdownTransformOnlyWhenFileResolved(t *testing.T) {
	p := newTestPipeline(t)
	in := Input{Body: []byte("# Hi"), ContentType: "text/markdown"}

	out, err := p.Run(in, testContext())
	if err != nil {
		t.Fatal(err)
	}
	if out.Transformed {
		t.Error("expected no content transform without file resolution")
	}

	in.FileResolved = true
	in.Extension = "md"
	out, err = p.Run(in, testContext())
	if err != nil {
		t.Fatal(err)
	}
	if !out.Transformed || out.TransformerName != "markdown" {
		t.Fatalf("Transformed=%v name=%q", out.Transformed, out.TransformerName)
	}
	if !bytes.Contains(out.Body, []byte("<h1>Hi</h1>")) {
		t.Errorf("body = %q, want <h1>Hi</h1>", out.Body)
	}
	if !strings.HasPrefix(out.ContentType, "text/html") {
		t.Errorf("ContentType = %q", out.ContentType)
	}
}

func TestRunBodySizeBoundary(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBodyBytes = 4
	p := New(cfg, NewURLRewriter(cfg.URLRewrite))

	atLimit, err := p.Run(Input{Body: []byte("# Hi"), ContentType: "text/markdown", FileResolved: true, Extension: "md"}, testContext())
	if err != nil {
		t.Fatal(err)
	}
	if !atLimit.Transformed {
		t.Error("body exactly at MaxBodyBytes should be transformed")
	}

	overLimit, err := p.Run(Input{Body: []byte("# Hi!"), ContentType: "text/markdown", FileResolved: true, Extension: "md"}, testContext())
	if err != nil {
		t.Fatal(err)
	}
	if overLimit.Transformed {
		t.Error("body one byte over MaxBodyBytes should pass through")
	}
}

func TestSelectTransformerDispatch(t *testing.T) {
	p := newTestPipeline(t)
	cases := []struct {
		contentType string
		ext         string
		want        string
	}{
		{"text/markdown", "md", "markdown"},
		{"application/json", "json", "json"},
		{"text/csv", "csv", "csv"},
		{"application/xml", "xml", "xml"},
		{"text/plain", "txt", "text"},
		{"text/html", "html", "html"},
		{"image/png", "png", ""},
	}
	for _, tc := range cases {
		tr := p.selectTransformer(tc.contentType, tc.ext)
		got := ""
		if tr != nil {
			got = tr.Name()
		}
		if got != tc.want {
			t.Errorf("selectTransformer(%q, %q) = %q, want %q", tc.contentType, tc.ext, got, tc.want)
		}
	}
}
