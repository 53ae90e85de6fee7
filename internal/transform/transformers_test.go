package transform

import (
	"bytes"
	"encoding/json"
	"html"
	"regexp"
	"strings"
	"testing"
)

func TestMarkdownTransformer(t *testing.T) {
	out, ct, err := markdownTransformer{}.Transform([]byte("# Title\n\nsome *text*\n"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
	for _, want := range []string{"<h1>Title</h1>", "<em>text</em>", "charset=\"utf-8\""} {
		if !bytes.Contains(out, []byte(want)) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestJSONTransformerRoundTrips(t *testing.T) {
	src := []byte(`{"name":"cdn","count":3,"nested":{"ok":true}}`)
	out, _, err := jsonTransformer{}.Transform(src)
	if err != nil {
		t.Fatal(err)
	}

	// The pretty-printed JSON inside the HTML must parse back to the same
	// tree. Drop the embedded stylesheet, strip tags and unescape entities
	// to recover the text content.
	text := regexp.MustCompile(`(?s)<style[^>]*>.*?</style>`).ReplaceAllString(string(out), "")
	text = regexp.MustCompile(`<[^>]+>`).ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	if idx := strings.Index(text, "{"); idx >= 0 {
		text = text[idx:]
	}
	if idx := strings.LastIndex(text, "}"); idx >= 0 {
		text = text[:idx+1]
	}

	var got, want interface{}
	if err := json.Unmarshal([]byte(text), &got); err != nil {
		t.Fatalf("embedded JSON does not parse: %v\n%s", err, text)
	}
	if err := json.Unmarshal(src, &want); err != nil {
		t.Fatal(err)
	}
	gotJSON, _ := json.Marshal(got)
	wantJSON, _ := json.Marshal(want)
	if !bytes.Equal(gotJSON, wantJSON) {
		t.Errorf("round-trip mismatch: got %s want %s", gotJSON, wantJSON)
	}
}

func TestJSONTransformerRejectsInvalid(t *testing.T) {
	if _, _, err := (jsonTransformer{}).Transform([]byte("{not json")); err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestCSVTransformer(t *testing.T) {
	out, _, err := csvTransformer{}.Transform([]byte("name,age\nalice,30\nbob,41\n"))
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"<th>name</th>", "<th>age</th>", "<td>alice</td>", "<td>41</td>"} {
		if !bytes.Contains(out, []byte(want)) {
			t.Errorf("output missing %q", want)
		}
	}
}

func TestCSVTransformerEscapesHTML(t *testing.T) {
	out, _, err := csvTransformer{}.Transform([]byte("col\n<script>alert(1)</script>\n"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(out, []byte("<script>alert")) {
		t.Error("cell content must be escaped")
	}
	if !bytes.Contains(out, []byte("&lt;script&gt;")) {
		t.Error("expected escaped script tag")
	}
}

func TestXMLTransformer(t *testing.T) {
	out, _, err := xmlTransformer{}.Transform([]byte(`<root><item id="1">a</item></root>`))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(out, []byte("<pre>")) {
		t.Error("expected <pre> wrapper")
	}
	if !bytes.Contains(out, []byte("&lt;root&gt;")) {
		t.Error("expected escaped XML content")
	}
}

func TestXMLTransformerEmptyInput(t *testing.T) {
	if _, _, err := (xmlTransformer{}).Transform(nil); err == nil {
		t.Error("expected error for empty XML")
	}
}

func TestTextTransformer(t *testing.T) {
	out, ct, err := textTransformer{}.Transform([]byte("plain & simple"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(ct, "text/html") {
		t.Errorf("content type = %q", ct)
	}
	if !bytes.Contains(out, []byte("<pre>plain &amp; simple</pre>")) {
		t.Errorf("output = %s", out)
	}
}

func TestHTMLTransformerMinifies(t *testing.T) {
	out, _, err := htmlTransformer{}.Transform([]byte("<html>  <head>\n</head>  <body>  <p>x</p>  </body></html>"))
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(out, []byte("  <p>")) {
		t.Error("expected whitespace to be minified away")
	}
}

func TestHTMLTransformerInjectsCharset(t *testing.T) {
	out, _, err := htmlTransformer{}.Transform([]byte("<html><head><title>t</title></head><body></body></html>"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(out, []byte("charset=utf-8")) && !bytes.Contains(out, []byte(`charset="utf-8"`)) {
		t.Errorf("expected charset meta, got %s", out)
	}
}
