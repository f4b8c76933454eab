package render

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileRenderSubstitutesVariables(t *testing.T) {
	c, err := Compile("Hi {{ user.name }}, your order {{ order.id }} shipped.")
	require.NoError(t, err)

	out := c.Render(map[string]any{
		"user":  map[string]any{"name": "Ada"},
		"order": map[string]any{"id": "42"},
	})
	require.Equal(t, "Hi Ada, your order 42 shipped.", out)
}

func TestRenderMissingVariableIsEmpty(t *testing.T) {
	c, err := Compile("Hi {{ user.name }}")
	require.NoError(t, err)

	out := c.Render(map[string]any{})
	require.Equal(t, "Hi ", out)
}

func TestCompileRejectsUnterminatedReference(t *testing.T) {
	_, err := Compile("Hi {{ user.name")
	require.Error(t, err)
}

func TestRenderHelperCurrency(t *testing.T) {
	c, err := Compile("Total: {{ currency amount \"USD\" }}")
	require.NoError(t, err)
	out := c.Render(map[string]any{"amount": 19.9})
	require.Equal(t, "Total: $19.90", out)
}

func TestRenderHelperTruncateAndCapitalize(t *testing.T) {
	c, err := Compile("{{ capitalize name }}: {{ truncate summary 5 }}")
	require.NoError(t, err)
	out := c.Render(map[string]any{"name": "ada", "summary": "a very long summary"})
	require.Equal(t, "Ada: a ver…", out)
}

func TestRenderConditionalBranchesOnHelper(t *testing.T) {
	c, err := Compile(`{{#if eq status "paid"}}Paid{{else}}Pending{{/if}}`)
	require.NoError(t, err)

	require.Equal(t, "Paid", c.Render(map[string]any{"status": "paid"}))
	require.Equal(t, "Pending", c.Render(map[string]any{"status": "open"}))
}

func TestRenderConditionalBranchesOnVariableTruthiness(t *testing.T) {
	c, err := Compile("{{#if isPremium}}VIP{{/if}}")
	require.NoError(t, err)

	require.Equal(t, "VIP", c.Render(map[string]any{"isPremium": true}))
	require.Equal(t, "", c.Render(map[string]any{"isPremium": false}))
}

func TestSanitizeStripsDisallowedTags(t *testing.T) {
	out := Sanitize(`<script>alert(1)</script><b>bold</b>`)
	require.Equal(t, "alert(1)<b>bold</b>", out)
}

func TestSanitizeKeepsAllowedTags(t *testing.T) {
	out := Sanitize(`<i>hello</i> <br> <a href="x">link</a>`)
	require.Contains(t, out, "<i>")
	require.Contains(t, out, "<br>")
	require.Contains(t, out, `<a href="x">`)
}

func TestSanitizeStripsDisallowedAttributes(t *testing.T) {
	out := Sanitize(`<a href="x" onclick="evil()">link</a>`)
	require.NotContains(t, out, "onclick")
	require.Contains(t, out, `href="x"`)
}

func TestSanitizeNeutralizesJavascriptURI(t *testing.T) {
	out := Sanitize(`<a href="javascript:alert(1)">link</a>`)
	require.Contains(t, out, `href="#"`)
}

func TestValidateRejectsScriptTag(t *testing.T) {
	isValid, errs, _ := Validate(`<script>alert(1)</script>`)
	require.False(t, isValid)
	require.NotEmpty(t, errs)
}

func TestValidateRejectsInlineHandler(t *testing.T) {
	isValid, errs, _ := Validate(`<a href="x" onclick="evil()">go</a>`)
	require.False(t, isValid)
	require.NotEmpty(t, errs)
}

func TestValidateWarnsOnUnknownHelper(t *testing.T) {
	isValid, errs, warnings := Validate("{{ frobnicate x }}")
	require.True(t, isValid)
	require.Empty(t, errs)
	require.NotEmpty(t, warnings)
}

func TestValidateAcceptsCleanTemplate(t *testing.T) {
	isValid, errs, warnings := Validate("Hi {{ user.name }}, total {{ currency amount \"USD\" }}")
	require.True(t, isValid)
	require.Empty(t, errs)
	require.Empty(t, warnings)
}

func TestCacheReusesCompiledAndRenderedEntries(t *testing.T) {
	cache, err := NewCache(4, 4)
	require.NoError(t, err)

	out1, err := cache.Render("v1", "Hi {{ name }}", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	require.Equal(t, "Hi Ada", out1)

	out2, err := cache.Render("v1", "Hi {{ name }}", map[string]any{"name": "Ada"})
	require.NoError(t, err)
	require.Equal(t, out1, out2)

	out3, err := cache.Render("v1", "Hi {{ name }}", map[string]any{"name": "Grace"})
	require.NoError(t, err)
	require.Equal(t, "Hi Grace", out3)
}
