package utils

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/osteele/liquid"
)

// Template variables the pipeline injects or expects.
const (
	VarUnsubscribeURL  = "unsubscribeUrl"
	VarTrackingOpenURL = "trackingOpenUrl"

	// Substituted when no real unsubscribe URL is available (previews);
	// fragment-only so the link rewriter leaves it alone.
	UnsubscribePlaceholder = "#unsubscribe"
)

var (
	scriptRe = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>|<script\b[^>]*/?>`)
	hrefRe   = regexp.MustCompile(`href=["']([^"']+)["']`)
)

// Footer appended when a template doesn't reference the unsubscribe URL
const unsubscribeFooter = `
<div style="margin-top: 30px; padding-top: 10px; border-top: 1px solid #eee; font-size: 12px; color: #7f8c8d; text-align: center;">
    <p>You are receiving this email because you subscribed to our updates.</p>
    <p><a href="{{unsubscribeUrl}}">Unsubscribe</a></p>
</div>`

const openPixel = `<img src="{{trackingOpenUrl}}" alt="" width="1" height="1" style="display:none">`

// RenderOptions controls footer/pixel injection and link tracking.
type RenderOptions struct {
	InjectUnsubscribe bool
	InjectOpenPixel   bool
	Tracking          *TrackingContext
}

// RenderResult contains the rendered output and any warnings
type RenderResult struct {
	HTML     string   `json:"html"`
	Subject  string   `json:"subject"`
	Warnings []string `json:"warnings,omitempty"`
}

// Renderer compiles email templates with Liquid and decorates them with
// tracking. Safe for concurrent use.
type Renderer struct {
	engine *liquid.Engine
}

func NewRenderer() *Renderer {
	return &Renderer{engine: liquid.NewEngine()}
}

// Render runs the pipeline in order: strip script tags, inject the
// unsubscribe footer and open pixel where the template doesn't already
// reference them, compile body and subject against the variables, then
// rewrite outbound links through the click-tracking redirect.
func (r *Renderer) Render(htmlTemplate, subjectTemplate string, vars map[string]string, opts RenderOptions) (*RenderResult, error) {
	result := &RenderResult{}

	// Outbound email must never carry script.
	body := scriptRe.ReplaceAllString(htmlTemplate, "")

	if vars == nil {
		vars = map[string]string{}
	}

	if opts.InjectUnsubscribe {
		if !strings.Contains(body, VarUnsubscribeURL) {
			body += unsubscribeFooter
		}
		if vars[VarUnsubscribeURL] == "" {
			vars[VarUnsubscribeURL] = UnsubscribePlaceholder
			result.Warnings = append(result.Warnings,
				"no unsubscribe URL supplied; placeholder substituted")
		}
	}

	if opts.InjectOpenPixel && !strings.Contains(body, VarTrackingOpenURL) {
		body += openPixel
	}
	if opts.Tracking != nil && vars[VarTrackingOpenURL] == "" {
		vars[VarTrackingOpenURL] = opts.Tracking.OpenPixelURL()
	}

	bindings := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		bindings[k] = v
	}

	html, err := r.engine.ParseAndRenderString(body, bindings)
	if err != nil {
		return nil, fmt.Errorf("render body: %w", err)
	}

	subject := subjectTemplate
	if subjectTemplate != "" {
		subject, err = r.engine.ParseAndRenderString(subjectTemplate, bindings)
		if err != nil {
			return nil, fmt.Errorf("render subject: %w", err)
		}
	}

	if opts.Tracking != nil {
		html = rewriteLinks(html, opts.Tracking)
	}

	result.HTML = html
	result.Subject = subject
	return result, nil
}

// rewriteLinks routes every trackable anchor href through the
// click-tracking redirect.
func rewriteLinks(html string, tc *TrackingContext) string {
	return hrefRe.ReplaceAllStringFunc(html, func(match string) string {
		parts := hrefRe.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}
		dest := parts[1]
		if !trackableLink(dest) {
			return match
		}
		return fmt.Sprintf(`href="%s"`, tc.ClickURL(dest))
	})
}

// trackableLink decides whether a destination may be rewritten. Links
// that are already tracked, non-http schemes, fragments, and the
// unsubscribe/preferences surface stay direct - a recipient must never
// be click-tracked into an opt-out action.
func trackableLink(dest string) bool {
	d := strings.ToLower(strings.TrimSpace(dest))
	switch {
	case d == "",
		strings.HasPrefix(d, "#"),
		strings.HasPrefix(d, "mailto:"),
		strings.HasPrefix(d, "tel:"),
		strings.HasPrefix(d, "sms:"),
		strings.Contains(d, "/t/c/"),
		strings.Contains(d, "/t/a/"),
		strings.Contains(d, "unsubscribe"),
		strings.Contains(d, "preferences"):
		return false
	}
	return true
}
