package parser

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// ErrNoFunctions is returned by Scan when the crate declares no
// annotated handlers at all.
var ErrNoFunctions = errors.New("no annotated functions found")

// AttributeError reports a malformed handler attribute with enough
// context to locate it in the source.
type AttributeError struct {
	Path     string
	Function string
	Reason   string
}

func (e *AttributeError) Error() string {
	return fmt.Sprintf("%s: fn %s: %s", e.Path, e.Function, e.Reason)
}

var (
	attrPattern = regexp.MustCompile(
		`(?s)#\[\s*(endpoint|worker|cron)\s*(?:\((.*?)\))?\s*\]\s*(?:pub(?:\([^)]*\))?\s+)?(?:async\s+)?fn\s+([A-Za-z_][A-Za-z0-9_]*)`)
	envEntryPattern = regexp.MustCompile(`"((?:[^"\\]|\\.)*)"\s*:\s*"((?:[^"\\]|\\.)*)"`)
)

// Scan walks the crate source below root and returns every annotated
// handler it finds. target/ and hidden directories are skipped. Paths
// in the result are relative to root.
func Scan(root string) ([]ParsedFunction, error) {
	var found []ParsedFunction

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && (d.Name() == "target" || strings.HasPrefix(d.Name(), ".")) {
				return fs.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".rs" {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}

		functions, err := scanSource(filepath.ToSlash(rel), string(content))
		if err != nil {
			return err
		}
		found = append(found, functions...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(found) == 0 {
		return nil, ErrNoFunctions
	}
	return found, nil
}

// scanSource extracts annotated handlers from a single source file.
func scanSource(relPath, content string) ([]ParsedFunction, error) {
	var functions []ParsedFunction

	for _, match := range attrPattern.FindAllStringSubmatch(content, -1) {
		kind, body, fnName := match[1], match[2], match[3]

		params, err := parseParams(kind, body)
		if err != nil {
			return nil, &AttributeError{Path: relPath, Function: fnName, Reason: err.Error()}
		}

		functions = append(functions, ParsedFunction{
			RustFunctionName: fnName,
			RelativePath:     relPath,
			Params:           params,
		})
	}
	return functions, nil
}

// parseParams interprets the attribute body for the given role. Unknown
// keys are ignored, duplicates are rejected.
func parseParams(kind, body string) (Params, error) {
	attrs, err := splitAttrs(body)
	if err != nil {
		return nil, err
	}

	switch kind {
	case "endpoint":
		return parseEndpoint(attrs)
	case "worker":
		return parseWorker(attrs)
	case "cron":
		return parseCron(attrs)
	}
	return nil, fmt.Errorf("unknown attribute kind %q", kind)
}

func parseEndpoint(attrs map[string]string) (Params, error) {
	urlPath, ok := attrs["url_path"]
	if !ok {
		return nil, errors.New("missing required attribute `url_path`")
	}
	p := Endpoint{URLPath: unquote(urlPath), Name: unquote(attrs["name"])}

	if raw, ok := attrs["queues"]; ok {
		p.Queues = parseStringList(raw)
	}
	if raw, ok := attrs["is_disabled"]; ok {
		disabled, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("expected boolean value for `is_disabled`, got %q", raw)
		}
		p.IsDisabled = disabled
	}

	env, err := parseEnvironment(attrs["environment"])
	if err != nil {
		return nil, err
	}
	p.Env = env
	return p, nil
}

func parseWorker(attrs map[string]string) (Params, error) {
	p := Worker{
		Name:        unquote(attrs["name"]),
		QueueAlias:  unquote(attrs["queue_alias"]),
		Concurrency: 1,
	}

	if raw, ok := attrs["concurrency"]; ok {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return nil, fmt.Errorf("expected positive integer for `concurrency`, got %q", raw)
		}
		p.Concurrency = n
	}
	if raw, ok := attrs["fifo"]; ok {
		fifo, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("expected boolean value for `fifo`, got %q", raw)
		}
		p.FIFO = fifo
	}

	env, err := parseEnvironment(attrs["environment"])
	if err != nil {
		return nil, err
	}
	p.Env = env
	return p, nil
}

func parseCron(attrs map[string]string) (Params, error) {
	schedule, ok := attrs["schedule"]
	if !ok {
		return nil, errors.New("missing required attribute `schedule`")
	}
	p := Cron{Schedule: unquote(schedule), Name: unquote(attrs["name"])}

	env, err := parseEnvironment(attrs["environment"])
	if err != nil {
		return nil, err
	}
	p.Env = env
	return p, nil
}

// splitAttrs breaks "key = value, key = value" into a map, keeping
// values verbatim. Commas inside strings, braces and brackets do not
// split.
func splitAttrs(body string) (map[string]string, error) {
	attrs := map[string]string{}
	body = strings.TrimSpace(body)
	if body == "" {
		return attrs, nil
	}

	var depth int
	var inString bool
	var start int
	items := []string{}
	for i := 0; i < len(body); i++ {
		switch c := body[i]; {
		case inString:
			if c == '\\' {
				i++
			} else if c == '"' {
				inString = false
			}
		case c == '"':
			inString = true
		case c == '{' || c == '[' || c == '(':
			depth++
		case c == '}' || c == ']' || c == ')':
			depth--
		case c == ',' && depth == 0:
			items = append(items, body[start:i])
			start = i + 1
		}
	}
	if inString || depth != 0 {
		return nil, errors.New("unbalanced attribute body")
	}
	items = append(items, body[start:])

	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		key, value, ok := strings.Cut(item, "=")
		if !ok {
			return nil, fmt.Errorf("expected `key = value`, got %q", item)
		}
		key = strings.TrimSpace(key)
		if _, exists := attrs[key]; exists {
			return nil, fmt.Errorf("duplicate attribute %q", key)
		}
		attrs[key] = strings.TrimSpace(value)
	}
	return attrs, nil
}

// parseStringList interprets a `["a", "b"]` literal, tolerating bare
// identifiers.
func parseStringList(raw string) []string {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "[")
	raw = strings.TrimSuffix(raw, "]")

	var items []string
	for _, item := range strings.Split(raw, ",") {
		item = unquote(item)
		if item != "" {
			items = append(items, item)
		}
	}
	return items
}

// parseEnvironment interprets an `{"KEY": "VALUE", ...}` literal.
func parseEnvironment(raw string) (map[string]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	if !strings.HasPrefix(raw, "{") || !strings.HasSuffix(raw, "}") {
		return nil, fmt.Errorf("expected `{...}` for `environment`, got %q", raw)
	}

	env := map[string]string{}
	for _, entry := range envEntryPattern.FindAllStringSubmatch(raw, -1) {
		env[entry[1]] = entry[2]
	}
	if len(env) == 0 {
		return nil, nil
	}
	return env, nil
}

// unquote strips a surrounding string literal if present.
func unquote(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		if unquoted, err := strconv.Unquote(raw); err == nil {
			return unquoted
		}
	}
	return raw
}
