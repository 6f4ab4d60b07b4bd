package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRenderStripsScriptTags(t *testing.T) {
	r := NewRenderer()
	html := `<p>Hi</p><script>alert("x")</script><SCRIPT src="evil.js"></SCRIPT><p>Bye</p>`

	result, err := r.Render(html, "Subject", nil, RenderOptions{})
	require.NoError(t, err)
	require.NotContains(t, strings.ToLower(result.HTML), "<script")
	require.Contains(t, result.HTML, "<p>Hi</p>")
	require.Contains(t, result.HTML, "<p>Bye</p>")
}

func TestRenderCompilesBodyAndSubject(t *testing.T) {
	r := NewRenderer()
	vars := map[string]string{"firstName": "Ada"}

	result, err := r.Render(`<p>Hello {{firstName}}</p>`, `Welcome, {{firstName}}!`, vars, RenderOptions{})
	require.NoError(t, err)
	require.Contains(t, result.HTML, "Hello Ada")
	require.Equal(t, "Welcome, Ada!", result.Subject)
}

func TestRenderInjectsUnsubscribeFooter(t *testing.T) {
	r := NewRenderer()

	result, err := r.Render(`<p>Body</p>`, "S", map[string]string{
		VarUnsubscribeURL: "https://mail.example.com/unsubscribe/tok",
	}, RenderOptions{InjectUnsubscribe: true})
	require.NoError(t, err)
	require.Contains(t, result.HTML, `href="https://mail.example.com/unsubscribe/tok"`)
	require.Empty(t, result.Warnings)
}

func TestRenderWarnsOnMissingUnsubscribeURL(t *testing.T) {
	r := NewRenderer()

	result, err := r.Render(`<p>Body</p>`, "S", nil, RenderOptions{InjectUnsubscribe: true})
	require.NoError(t, err)
	require.Contains(t, result.HTML, UnsubscribePlaceholder)
	require.Len(t, result.Warnings, 1)
}

func TestRenderSkipsFooterWhenTemplateHasOne(t *testing.T) {
	r := NewRenderer()
	html := `<p>Body</p><a href="{{unsubscribeUrl}}">opt out</a>`

	result, err := r.Render(html, "S", map[string]string{
		VarUnsubscribeURL: "https://mail.example.com/unsubscribe/tok",
	}, RenderOptions{InjectUnsubscribe: true})
	require.NoError(t, err)
	require.Equal(t, 1, strings.Count(result.HTML, "unsubscribe/tok"))
}

func TestRenderInjectsOpenPixel(t *testing.T) {
	r := NewRenderer()
	tc := CampaignTracking("https://mail.example.com", 7, "tok")

	result, err := r.Render(`<p>Body</p>`, "S", nil, RenderOptions{
		InjectOpenPixel: true,
		Tracking:        tc,
	})
	require.NoError(t, err)
	require.Contains(t, result.HTML, `https://mail.example.com/t/c/7/tok/open.gif`)
	require.Contains(t, result.HTML, `width="1" height="1"`)
}

func TestRenderRewritesTrackableLinks(t *testing.T) {
	r := NewRenderer()
	tc := CampaignTracking("https://mail.example.com", 7, "tok")
	html := `<a href="https://shop.example.com/sale?x=1">Sale</a>` +
		`<a href="mailto:help@example.com">Mail us</a>` +
		`<a href="tel:+15551234">Call</a>` +
		`<a href="#section">Jump</a>` +
		`<a href="https://mail.example.com/unsubscribe/tok">Opt out</a>` +
		`<a href="https://mail.example.com/t/c/7/tok?u=x">Tracked</a>`

	result, err := r.Render(html, "S", nil, RenderOptions{Tracking: tc})
	require.NoError(t, err)

	require.Contains(t, result.HTML,
		`href="https://mail.example.com/t/c/7/tok?u=https%3A%2F%2Fshop.example.com%2Fsale%3Fx%3D1"`)
	require.Contains(t, result.HTML, `href="mailto:help@example.com"`)
	require.Contains(t, result.HTML, `href="tel:+15551234"`)
	require.Contains(t, result.HTML, `href="#section"`)
	require.Contains(t, result.HTML, `href="https://mail.example.com/unsubscribe/tok"`)
	// Already-tracked links are not double-wrapped.
	require.Contains(t, result.HTML, `href="https://mail.example.com/t/c/7/tok?u=x"`)
}

func TestRenderFailsOnBadTemplate(t *testing.T) {
	r := NewRenderer()

	_, err := r.Render(`<p>{% if %}</p>`, "S", nil, RenderOptions{})
	require.Error(t, err)
}

func TestTrackableLink(t *testing.T) {
	require.True(t, trackableLink("https://example.com"))
	require.True(t, trackableLink("http://example.com/path"))
	require.False(t, trackableLink(""))
	require.False(t, trackableLink("#top"))
	require.False(t, trackableLink("mailto:a@b.c"))
	require.False(t, trackableLink("sms:+1555"))
	require.False(t, trackableLink("https://x.com/preferences/123"))
	require.False(t, trackableLink("https://x.com/t/a/1/tok?u=y"))
}
