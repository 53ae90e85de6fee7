package transform

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"errors"
	"html"

	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	chromalexers "github.com/alecthomas/chroma/v2/lexers"
	chromastyles "github.com/alecthomas/chroma/v2/styles"
	"github.com/tdewolff/minify/v2"
	minifyhtml "github.com/tdewolff/minify/v2/html"
	"github.com/yuin/goldmark"
	xhtml "golang.org/x/net/html"

	"github.com/soulteary/cdn-proxy/internal/config"
)

// Transformer converts a file-resolved body of one representation into HTML.
// Implementations must be stateless; dispatch is iteration + first-match
// over the configured set.
type Transformer interface {
	Name() string
	CanHandle(contentType, ext string) bool
	Transform(body []byte) (out []byte, contentType string, err error)
}

// buildTransformers assembles the enabled transformer variants in dispatch
// order. HTML comes last so a body that is already HTML is only minified,
// never re-rendered.
func buildTransformers(cfg config.TransformConfig) []Transformer {
	var set []Transformer
	if cfg.EnableMarkdown {
		set = append(set, markdownTransformer{})
	}
	if cfg.EnableJSONHighlight {
		set = append(set, jsonTransformer{})
	}
	if cfg.EnableCSV {
		set = append(set, csvTransformer{})
	}
	if cfg.EnableXML {
		set = append(set, xmlTransformer{})
	}
	if cfg.EnableText {
		set = append(set, textTransformer{})
	}
	if cfg.EnableMinifyHTML {
		set = append(set, htmlTransformer{})
	}
	return set
}

const htmlContentType = "text/html; charset=utf-8"

type markdownTransformer struct{}

func (markdownTransformer) Name() string { return "markdown" }

func (markdownTransformer) CanHandle(contentType, ext string) bool {
	return contentType == "text/markdown" || contentType == "text/x-markdown" || ext == "md" || ext == "markdown"
}

func (markdownTransformer) Transform(body []byte) ([]byte, string, error) {
	var buf bytes.Buffer
	if err := goldmark.Convert(body, &buf); err != nil {
		return nil, "", err
	}
	return wrapDocument(buf.Bytes()), htmlContentType, nil
}

type jsonTransformer struct{}

func (jsonTransformer) Name() string { return "json" }

func (jsonTransformer) CanHandle(contentType, ext string) bool {
	return contentType == "application/json" || ext == "json"
}

// Transform pretty-prints and syntax-highlights a JSON body using chroma,
// falling back to a plain <pre> when highlighting fails.
func (jsonTransformer) Transform(body []byte) ([]byte, string, error) {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, "", err
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, "", err
	}

	lexer := chromalexers.Get("json")
	if lexer == nil {
		lexer = chromalexers.Fallback
	}
	style := chromastyles.Get("github")
	if style == nil {
		style = chromastyles.Fallback
	}
	formatter := chromahtml.New(chromahtml.WithClasses(true))

	iterator, err := lexer.Tokenise(nil, string(pretty))
	if err != nil {
		return wrapPre(pretty), htmlContentType, nil
	}

	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html><html><head><meta charset=\"utf-8\"><style>")
	if err := formatter.WriteCSS(&buf, style); err != nil {
		return wrapPre(pretty), htmlContentType, nil
	}
	buf.WriteString("</style></head><body>")
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return wrapPre(pretty), htmlContentType, nil
	}
	buf.WriteString("</body></html>")
	return buf.Bytes(), htmlContentType, nil
}

type csvTransformer struct{}

func (csvTransformer) Name() string { return "csv" }

func (csvTransformer) CanHandle(contentType, ext string) bool {
	return contentType == "text/csv" || ext == "csv"
}

func (csvTransformer) Transform(body []byte) ([]byte, string, error) {
	reader := csv.NewReader(bytes.NewReader(body))
	reader.FieldsPerRecord = -1
	records, err := reader.ReadAll()
	if err != nil {
		return nil, "", err
	}

	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html><html><head><meta charset=\"utf-8\"></head><body><table border=\"1\">")
	for i, row := range records {
		buf.WriteString("<tr>")
		cell := "td"
		if i == 0 {
			cell = "th"
		}
		for _, field := range row {
			buf.WriteString("<" + cell + ">")
			buf.WriteString(html.EscapeString(field))
			buf.WriteString("</" + cell + ">")
		}
		buf.WriteString("</tr>")
	}
	buf.WriteString("</table></body></html>")
	return buf.Bytes(), htmlContentType, nil
}

type xmlTransformer struct{}

func (xmlTransformer) Name() string { return "xml" }

func (xmlTransformer) CanHandle(contentType, ext string) bool {
	return contentType == "application/xml" || contentType == "text/xml" || ext == "xml"
}

var errNoXMLTokens = errors.New("xml document had no tokens")

// Transform pretty-prints an XML body token by token and renders it inside
// a <pre>.
func (xmlTransformer) Transform(body []byte) ([]byte, string, error) {
	decoder := xml.NewDecoder(bytes.NewReader(body))
	var out bytes.Buffer
	encoder := xml.NewEncoder(&out)
	encoder.Indent("", "  ")
	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		if err := encoder.EncodeToken(tok); err != nil {
			return nil, "", err
		}
	}
	if err := encoder.Flush(); err != nil {
		return nil, "", err
	}
	if out.Len() == 0 {
		return nil, "", errNoXMLTokens
	}
	return wrapPre(out.Bytes()), htmlContentType, nil
}

type textTransformer struct{}

func (textTransformer) Name() string { return "text" }

func (textTransformer) CanHandle(contentType, ext string) bool {
	return contentType == "text/plain" || ext == "txt" || ext == "text"
}

func (textTransformer) Transform(body []byte) ([]byte, string, error) {
	return wrapPre(body), htmlContentType, nil
}

type htmlTransformer struct{}

func (htmlTransformer) Name() string { return "html" }

func (htmlTransformer) CanHandle(contentType, ext string) bool {
	return contentType == "text/html" || ext == "html" || ext == "htm"
}

// Transform ensures the document declares a charset, then minifies it.
func (htmlTransformer) Transform(body []byte) ([]byte, string, error) {
	withCharset, err := injectCharset(body)
	if err != nil {
		withCharset = body
	}

	m := minify.New()
	m.AddFunc("text/html", minifyhtml.Minify)

	var out bytes.Buffer
	if err := m.Minify("text/html", &out, bytes.NewReader(withCharset)); err != nil {
		return nil, "", err
	}
	return out.Bytes(), htmlContentType, nil
}

// injectCharset adds <meta charset="utf-8"> to a document's head when no
// charset declaration is present, re-serializing through the HTML parser.
func injectCharset(body []byte) ([]byte, error) {
	doc, err := xhtml.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	head := findElement(doc, "head")
	if head == nil {
		return body, nil
	}
	if hasCharsetMeta(head) {
		return body, nil
	}

	meta := &xhtml.Node{
		Type: xhtml.ElementNode,
		Data: "meta",
		Attr: []xhtml.Attribute{{Key: "charset", Val: "utf-8"}},
	}
	if head.FirstChild != nil {
		head.InsertBefore(meta, head.FirstChild)
	} else {
		head.AppendChild(meta)
	}

	var buf bytes.Buffer
	if err := xhtml.Render(&buf, doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func findElement(n *xhtml.Node, name string) *xhtml.Node {
	if n.Type == xhtml.ElementNode && n.Data == name {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findElement(c, name); found != nil {
			return found
		}
	}
	return nil
}

func hasCharsetMeta(head *xhtml.Node) bool {
	for c := head.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != xhtml.ElementNode || c.Data != "meta" {
			continue
		}
		for _, attr := range c.Attr {
			if attr.Key == "charset" {
				return true
			}
			if attr.Key == "http-equiv" && attr.Val == "Content-Type" {
				return true
			}
		}
	}
	return false
}

func wrapDocument(inner []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html><html><head><meta charset=\"utf-8\"></head><body>")
	buf.Write(inner)
	buf.WriteString("</body></html>")
	return buf.Bytes()
}

func wrapPre(body []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("<!DOCTYPE html><html><head><meta charset=\"utf-8\"></head><body><pre>")
	buf.WriteString(html.EscapeString(string(body)))
	buf.WriteString("</pre></body></html>")
	return buf.Bytes()
}
