// Package transform implements the response processing pipeline applied
// after an upstream fetch or file-resolution hit and before a response is
// cached and written to the client: decompress the origin body, run the
// configured compute stage, run at most one content transformer matched by
// extension and Content-Type, then rewrite embedded absolute URLs to point
// back at this node.
package transform

import (
	"strings"

	"github.com/soulteary/cdn-proxy/internal/config"
	apperrors "github.com/soulteary/cdn-proxy/internal/errors"
)

// Input is the material a Pipeline transforms.
type Input struct {
	Body            []byte
	ContentType     string
	ContentEncoding string

	// FileResolved marks bodies obtained through extensionless file
	// resolution; only those are eligible for content transformation
	// (Markdown to HTML and friends). Extension is the resolved extension
	// without its leading dot.
	FileResolved bool
	Extension    string

	// IsScript marks JavaScript bodies, which fail closed on decompression
	// errors instead of being served corrupted.
	IsScript bool
}

// Context carries the per-request facts the URL rewriter needs.
type Context struct {
	// ProxyHost is the host the client reached this node under;
	// ProxyScheme the protocol it used.
	ProxyHost   string
	ProxyScheme string

	// UpstreamHost is the backend host serving this request, used as a
	// memoization key component so the same URL rewritten under different
	// routes doesn't collide.
	UpstreamHost string

	// FrontedHost reports whether this proxy fronts the given host, i.e.
	// URLs pointing at it should be rewritten to the proxy.
	FrontedHost func(host string) bool
}

// Output is the transformed representation plus the headers that must
// accompany it.
type Output struct {
	Body        []byte
	ContentType string

	// Transformed is true when a content transformer actually ran (as
	// opposed to the body merely passing through decompression+rewrite);
	// TransformerName identifies which one.
	Transformed     bool
	TransformerName string

	// Decompressed is true when decompression ran to completion; the
	// emitter must then drop Content-Encoding and recompute
	// Content-Length. When false and ContentEncoding is non-empty, the
	// body is still compressed and the original encoding header stands.
	Decompressed    bool
	ContentEncoding string
}

// Pipeline runs the decompress -> compute -> transform -> rewrite chain.
type Pipeline struct {
	cfg          config.TransformConfig
	compute      []computeFunc
	transformers []Transformer
	rewriter     *URLRewriter
}

// New builds a Pipeline. The rewriter is shared across requests so its URL
// memoization cache stays warm.
func New(cfg config.TransformConfig, rewriter *URLRewriter) *Pipeline {
	return &Pipeline{
		cfg:          cfg,
		compute:      buildComputeFuncs(cfg),
		transformers: buildTransformers(cfg),
		rewriter:     rewriter,
	}
}

// Run executes the full pipeline. A decompression failure on a script body
// is fatal (ErrDecompressFatal, fails closed: caller must not serve the
// body). A decompression failure on any other body is soft: the original
// compressed bytes pass through unmodified with their encoding preserved.
func (p *Pipeline) Run(in Input, rctx Context) (Output, error) {
	decoded, decodedOK, err := decompress(in.Body, in.ContentEncoding)
	if err != nil {
		if in.IsScript {
			return Output{}, apperrors.Wrap(apperrors.ErrDecompressFatal, "decompressing script body", err)
		}
		return Output{Body: in.Body, ContentType: in.ContentType, ContentEncoding: in.ContentEncoding}, nil
	}
	if !decodedOK {
		decoded = in.Body
	}

	out := Output{
		Body:         decoded,
		ContentType:  in.ContentType,
		Decompressed: decodedOK,
	}
	if !decodedOK && !isIdentity(in.ContentEncoding) {
		// Unrecognized encoding passes through untouched.
		out.ContentEncoding = in.ContentEncoding
		return out, nil
	}

	if p.cfg.MaxBodyBytes > 0 && int64(len(out.Body)) > p.cfg.MaxBodyBytes {
		return out, nil
	}

	for _, cf := range p.compute {
		out.Body = cf.fn(out.Body, rctx)
	}

	if in.FileResolved {
		if tr := p.selectTransformer(in.ContentType, in.Extension); tr != nil {
			transformed, newType, terr := tr.Transform(out.Body)
			if terr == nil {
				out.Body = transformed
				out.ContentType = newType
				out.Transformed = true
				out.TransformerName = tr.Name()
			}
			// Content transformation failures are soft: the decompressed
			// but untransformed body is served instead.
		}
	}

	if p.rewriter != nil {
		if rewritten, ok := p.rewriter.Rewrite(out.Body, out.ContentType, rctx); ok {
			out.Body = rewritten
		}
	}

	return out, nil
}

func (p *Pipeline) selectTransformer(contentType, ext string) Transformer {
	ct := mainContentType(contentType)
	for _, tr := range p.transformers {
		if tr.CanHandle(ct, ext) {
			return tr
		}
	}
	return nil
}

func mainContentType(contentType string) string {
	return strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
}

func isIdentity(encoding string) bool {
	e := strings.ToLower(strings.TrimSpace(encoding))
	return e == "" || e == "identity"
}

// IsJavaScriptContentType reports whether a response is executable script
// for failure-mode purposes: corrupt compressed JS fails closed rather than
// being served to a browser.
func IsJavaScriptContentType(contentType string) bool {
	switch mainContentType(contentType) {
	case "application/javascript", "text/javascript", "application/x-javascript":
		return true
	}
	return false
}
