// Package render implements the restricted template interpolation language,
// an attribute-aware HTML sanitizer allow-list, and the two-tier cache of
// compiled templates and rendered output.
package render

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Node is one element of a compiled template: a literal run of text, a
// variable reference, a helper call, or a conditional block.
type Node interface {
	eval(vars map[string]any) string
	helperNames(out map[string]bool)
}

type literalNode string

func (n literalNode) eval(map[string]any) string    { return string(n) }
func (literalNode) helperNames(map[string]bool)     {}

type varNode struct{ path []string }

func (n varNode) eval(vars map[string]any) string { return stringify(lookup(vars, n.path)) }
func (varNode) helperNames(map[string]bool)       {}

type arg struct {
	literal   any
	isLiteral bool
	path      []string
}

func (a arg) resolve(vars map[string]any) any {
	if a.isLiteral {
		return a.literal
	}
	return lookup(vars, a.path)
}

type helperNode struct {
	name string
	args []arg
}

func (n helperNode) eval(vars map[string]any) string {
	v, err := callHelper(n.name, n.args, vars)
	if err != nil {
		return ""
	}
	return stringify(v)
}

func (n helperNode) helperNames(out map[string]bool) { out[n.name] = true }

// condNode is the boolean test driving an #if/else block: either a bare
// variable's truthiness or a helper call expected to return a bool.
type condNode struct {
	helper *helperNode
	path   []string
}

func (c condNode) evalBool(vars map[string]any) bool {
	if c.helper != nil {
		v, err := callHelper(c.helper.name, c.helper.args, vars)
		if err != nil {
			return false
		}
		b, _ := v.(bool)
		return b
	}
	return truthy(lookup(vars, c.path))
}

func (c condNode) helperNames(out map[string]bool) {
	if c.helper != nil {
		out[c.helper.name] = true
	}
}

type ifNode struct {
	cond condNode
	then []Node
	els  []Node
}

func (n ifNode) eval(vars map[string]any) string {
	branch := n.els
	if n.cond.evalBool(vars) {
		branch = n.then
	}
	var b strings.Builder
	for _, child := range branch {
		b.WriteString(child.eval(vars))
	}
	return b.String()
}

func (n ifNode) helperNames(out map[string]bool) {
	n.cond.helperNames(out)
	for _, child := range n.then {
		child.helperNames(out)
	}
	for _, child := range n.els {
		child.helperNames(out)
	}
}

// Compiled is a parsed template ready for repeated rendering.
type Compiled struct {
	nodes []Node
}

// Render substitutes variable references and evaluates helpers/conditionals
// against vars, then sanitizes the assembled output. Missing variables
// resolve to empty strings rather than erroring, since an absent optional
// variable shouldn't block delivery.
func (c *Compiled) Render(vars map[string]any) string {
	var b strings.Builder
	for _, n := range c.nodes {
		b.WriteString(n.eval(vars))
	}
	return Sanitize(b.String())
}

func (c *Compiled) helperNames() []string {
	set := make(map[string]bool)
	for _, n := range c.nodes {
		n.helperNames(set)
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	return names
}

// Compile parses a template string into a node tree. Supported syntax:
//   - "{{ path.to.value }}" — variable interpolation
//   - "{{ helperName arg1 arg2 }}" — built-in helper call
//   - "{{#if cond}}...{{else}}...{{/if}}" — conditional block, cond being
//     either a bare variable path (truthy test) or a helper call
//
// There is no looping construct and no arbitrary code execution.
func Compile(tpl string) (*Compiled, error) {
	tags, err := tokenize(tpl)
	if err != nil {
		return nil, err
	}
	nodes, rest, err := parseNodes(tags)
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("unexpected %q without matching {{#if}}", rest[0].raw)
	}
	return &Compiled{nodes: nodes}, nil
}

type tagKind int

const (
	kindLiteral tagKind = iota
	kindExpr
	kindIf
	kindElse
	kindEndIf
)

type tag struct {
	kind    tagKind
	raw     string // expression text, for expr/if tags
	literal string
}

func tokenize(tpl string) ([]tag, error) {
	var tags []tag
	rest := tpl
	for {
		start := strings.Index(rest, "{{")
		if start == -1 {
			if rest != "" {
				tags = append(tags, tag{kind: kindLiteral, literal: rest})
			}
			return tags, nil
		}
		if start > 0 {
			tags = append(tags, tag{kind: kindLiteral, literal: rest[:start]})
		}
		end := strings.Index(rest[start:], "}}")
		if end == -1 {
			return nil, fmt.Errorf("unterminated %q: missing closing }}", rest[start:])
		}
		end += start
		body := strings.TrimSpace(rest[start+2 : end])
		rest = rest[end+2:]

		switch {
		case body == "/if":
			tags = append(tags, tag{kind: kindEndIf})
		case body == "else":
			tags = append(tags, tag{kind: kindElse})
		case strings.HasPrefix(body, "#if "):
			tags = append(tags, tag{kind: kindIf, raw: strings.TrimSpace(strings.TrimPrefix(body, "#if "))})
		default:
			tags = append(tags, tag{kind: kindExpr, raw: body})
		}
	}
}

// parseNodes consumes tags until it hits an {{else}}/{{/if}} it doesn't own
// (returned as the remainder) or runs out, building the node list in between.
func parseNodes(tags []tag) ([]Node, []tag, error) {
	var nodes []Node
	for len(tags) > 0 {
		t := tags[0]
		switch t.kind {
		case kindElse, kindEndIf:
			return nodes, tags, nil
		case kindLiteral:
			nodes = append(nodes, literalNode(t.literal))
			tags = tags[1:]
		case kindExpr:
			n, err := parseExprNode(t.raw)
			if err != nil {
				return nil, nil, err
			}
			nodes = append(nodes, n)
			tags = tags[1:]
		case kindIf:
			cond, err := parseCond(t.raw)
			if err != nil {
				return nil, nil, err
			}
			thenNodes, rest, err := parseNodes(tags[1:])
			if err != nil {
				return nil, nil, err
			}
			var elseNodes []Node
			if len(rest) > 0 && rest[0].kind == kindElse {
				elseNodes, rest, err = parseNodes(rest[1:])
				if err != nil {
					return nil, nil, err
				}
			}
			if len(rest) == 0 || rest[0].kind != kindEndIf {
				return nil, nil, fmt.Errorf("unterminated {{#if}} block")
			}
			nodes = append(nodes, ifNode{cond: cond, then: thenNodes, els: elseNodes})
			tags = rest[1:]
		}
	}
	return nodes, tags, nil
}

func parseExprNode(body string) (Node, error) {
	if body == "" {
		return nil, fmt.Errorf("empty expression")
	}
	fields := splitArgs(body)
	if len(fields) == 1 && !strings.Contains(fields[0], "\"") {
		return varNode{path: strings.Split(fields[0], ".")}, nil
	}
	args, err := parseArgs(fields[1:])
	if err != nil {
		return nil, err
	}
	return helperNode{name: fields[0], args: args}, nil
}

func parseCond(body string) (condNode, error) {
	fields := splitArgs(body)
	if len(fields) == 0 {
		return condNode{}, fmt.Errorf("empty #if condition")
	}
	if len(fields) == 1 {
		return condNode{path: strings.Split(fields[0], ".")}, nil
	}
	args, err := parseArgs(fields[1:])
	if err != nil {
		return condNode{}, err
	}
	h := helperNode{name: fields[0], args: args}
	return condNode{helper: &h}, nil
}

func parseArgs(fields []string) ([]arg, error) {
	args := make([]arg, 0, len(fields))
	for _, f := range fields {
		if strings.HasPrefix(f, `"`) && strings.HasSuffix(f, `"`) && len(f) >= 2 {
			args = append(args, arg{literal: strings.Trim(f, `"`), isLiteral: true})
			continue
		}
		if n, err := strconv.ParseFloat(f, 64); err == nil {
			args = append(args, arg{literal: n, isLiteral: true})
			continue
		}
		args = append(args, arg{path: strings.Split(f, ".")})
	}
	return args, nil
}

// splitArgs splits an expression body on whitespace, respecting quoted
// string literals so "arg one" stays a single field.
func splitArgs(body string) []string {
	var fields []string
	var cur strings.Builder
	inQuote := false
	for _, r := range body {
		switch {
		case r == '"':
			inQuote = !inQuote
			cur.WriteRune(r)
		case r == ' ' && !inQuote:
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
				cur.Reset()
			}
		default:
			cur.WriteRune(r)
		}
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields
}

func lookup(vars map[string]any, path []string) any {
	var cur any = vars
	for _, key := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur, ok = m[key]
		if !ok {
			return nil
		}
	}
	return cur
}

func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	default:
		return true
	}
}

// Validate checks a template's raw source for disallowed markup and reports
// unknown helper references, independent of any particular render. It is
// the "validate a template" operation exposed to the template admin surface,
// separate from Sanitize, which is a best-effort defense applied at render
// time against content that has already passed validation.
func Validate(tpl string) (isValid bool, errs []string, warnings []string) {
	for _, p := range dangerousPatterns {
		if p.re.MatchString(tpl) {
			errs = append(errs, "disallowed pattern detected: "+p.name)
		}
	}

	compiled, err := Compile(tpl)
	if err != nil {
		errs = append(errs, err.Error())
		return false, errs, warnings
	}
	for _, name := range compiled.helperNames() {
		if _, ok := helpers[name]; !ok {
			warnings = append(warnings, fmt.Sprintf("unknown helper %q referenced", name))
		}
	}
	return len(errs) == 0, errs, warnings
}

var dangerousPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"<script> tag", regexp.MustCompile(`(?i)<script[\s>]`)},
	{"javascript: URI", regexp.MustCompile(`(?i)javascript\s*:`)},
	{"inline event handler", regexp.MustCompile(`(?i)\son\w+\s*=`)},
}
