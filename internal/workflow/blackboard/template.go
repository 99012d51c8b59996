package blackboard

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/100monkeys/fractal/internal/workflow"
)

// Hydrate expands tmpl against data using the restricted
// Handlebars-like grammar spec.md §3 names: {{path}} variable
// interpolation, {{#if cond}}...{{else}}...{{/if}} branching, and
// {{#each path}}...{{/each}} iteration. cond is evaluated through the
// same Evaluator the engine package's Custom transition condition
// uses, so "{{#if score > 0.8}}" and a Custom condition with the same
// expression text agree by construction.
//
// strict controls what happens when a {{path}} or {{#each path}}
// fails to resolve against data: false (production mode, the spec's
// default) interpolates empty string / treats the loop as empty;
// true (strict mode, enabled via a workflow's
// metadata.strict_templates) fails with workflow.ErrMissingKey
// (spec.md §4.2).
func Hydrate(tmpl string, data map[string]any, strict bool) (string, error) {
	nodes, rest, err := parseNodes(tokenize(tmpl), "")
	if err != nil {
		return "", err
	}
	if len(rest) != 0 {
		return "", fmt.Errorf("%w: unexpected trailing block tag", workflow.ErrTemplateError)
	}

	eval := NewEvaluator()
	var b strings.Builder
	if err := renderNodes(nodes, data, eval, &b, strict); err != nil {
		return "", err
	}
	return b.String(), nil
}

// node is one parsed template fragment.
type node struct {
	kind string // "text", "var", "if", "each"
	text string // kind == "text"
	path string // kind == "var" | "each"
	cond string // kind == "if"

	thenNodes []node
	elseNodes []node
	body      []node
}

type token struct {
	kind string // "text", "var", "if", "else", "endif", "each", "endeach"
	text string // raw text, or the expression/path for tag tokens
}

// tokenize splits tmpl into a flat stream of text and tag tokens.
func tokenize(tmpl string) []token {
	var tokens []token
	rest := tmpl

	for {
		open := strings.Index(rest, "{{")
		if open == -1 {
			if rest != "" {
				tokens = append(tokens, token{kind: "text", text: rest})
			}
			return tokens
		}
		if open > 0 {
			tokens = append(tokens, token{kind: "text", text: rest[:open]})
		}

		closeIdx := strings.Index(rest[open:], "}}")
		if closeIdx == -1 {
			// Unterminated tag: treat the rest as literal text.
			tokens = append(tokens, token{kind: "text", text: rest[open:]})
			return tokens
		}
		raw := strings.TrimSpace(rest[open+2 : open+closeIdx])
		rest = rest[open+closeIdx+2:]

		switch {
		case strings.HasPrefix(raw, "#if "):
			tokens = append(tokens, token{kind: "if", text: strings.TrimSpace(raw[len("#if "):])})
		case raw == "else":
			tokens = append(tokens, token{kind: "else"})
		case raw == "/if":
			tokens = append(tokens, token{kind: "endif"})
		case strings.HasPrefix(raw, "#each "):
			tokens = append(tokens, token{kind: "each", text: strings.TrimSpace(raw[len("#each "):])})
		case raw == "/each":
			tokens = append(tokens, token{kind: "endeach"})
		default:
			tokens = append(tokens, token{kind: "var", text: raw})
		}
	}
}

// parseNodes consumes tokens into a node list, stopping at a closing
// tag matching stopAt ("else"/"endif"/"endeach"), or at end of input
// when stopAt is "". It returns the unconsumed remainder.
func parseNodes(tokens []token, stopAt string) ([]node, []token, error) {
	var nodes []node

	for len(tokens) > 0 {
		t := tokens[0]

		if stopAt != "" && (t.kind == stopAt || (stopAt == "else" && t.kind == "endif")) {
			return nodes, tokens, nil
		}

		switch t.kind {
		case "text":
			nodes = append(nodes, node{kind: "text", text: t.text})
			tokens = tokens[1:]
		case "var":
			nodes = append(nodes, node{kind: "var", path: t.text})
			tokens = tokens[1:]
		case "if":
			cond := t.text
			tokens = tokens[1:]

			thenNodes, rest, err := parseNodes(tokens, "else")
			if err != nil {
				return nil, nil, err
			}
			tokens = rest

			var elseNodes []node
			if len(tokens) > 0 && tokens[0].kind == "else" {
				tokens = tokens[1:]
				elseNodes, rest, err = parseNodes(tokens, "endif")
				if err != nil {
					return nil, nil, err
				}
				tokens = rest
			}

			if len(tokens) == 0 || tokens[0].kind != "endif" {
				return nil, nil, fmt.Errorf("%w: unterminated {{#if %s}}", workflow.ErrTemplateError, cond)
			}
			tokens = tokens[1:]

			nodes = append(nodes, node{kind: "if", cond: cond, thenNodes: thenNodes, elseNodes: elseNodes})
		case "each":
			path := t.text
			tokens = tokens[1:]

			body, rest, err := parseNodes(tokens, "endeach")
			if err != nil {
				return nil, nil, err
			}
			tokens = rest

			if len(tokens) == 0 || tokens[0].kind != "endeach" {
				return nil, nil, fmt.Errorf("%w: unterminated {{#each %s}}", workflow.ErrTemplateError, path)
			}
			tokens = tokens[1:]

			nodes = append(nodes, node{kind: "each", path: path, body: body})
		default:
			return nil, nil, fmt.Errorf("%w: unexpected tag %q outside matching block", workflow.ErrTemplateError, t.kind)
		}
	}

	if stopAt != "" {
		return nil, nil, fmt.Errorf("%w: missing closing tag for %q block", workflow.ErrTemplateError, stopAt)
	}
	return nodes, nil, nil
}

func renderNodes(nodes []node, data map[string]any, eval *Evaluator, b *strings.Builder, strict bool) error {
	for _, n := range nodes {
		switch n.kind {
		case "text":
			b.WriteString(n.text)
		case "var":
			val, ok := getNestedValue(data, n.path)
			if !ok {
				if strict {
					return fmt.Errorf("%w: %s", workflow.ErrMissingKey, n.path)
				}
				continue
			}
			b.WriteString(stringify(val))
		case "if":
			truthy, err := eval.EvaluateCondition(n.cond, data)
			if err != nil {
				return fmt.Errorf("%w: %v", workflow.ErrTemplateError, err)
			}
			branch := n.elseNodes
			if truthy {
				branch = n.thenNodes
			}
			if err := renderNodes(branch, data, eval, b, strict); err != nil {
				return err
			}
		case "each":
			items, ok := getNestedValue(data, n.path)
			if !ok {
				if strict {
					return fmt.Errorf("%w: %s", workflow.ErrMissingKey, n.path)
				}
				continue
			}
			list, ok := items.([]any)
			if !ok {
				return fmt.Errorf("%w: %s is not iterable", workflow.ErrTemplateError, n.path)
			}
			for i, item := range list {
				scope := make(map[string]any, len(data)+2)
				for k, v := range data {
					scope[k] = v
				}
				scope["this"] = item
				scope["index"] = i
				if err := renderNodes(n.body, scope, eval, b, strict); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	default:
		return fmt.Sprintf("%v", val)
	}
}
