package builder

import (
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/foldline/skylift/internal/parser"
)

// Handler attributes and the macro import are meaningful to the
// scanner only; the cloned crate must compile without the macro crate.
var (
	attrLinePattern = regexp.MustCompile(`(?m)^\s*#\s*\[\s*(endpoint|worker|cron)[^]]*]\s*$`)
	importPattern   = regexp.MustCompile(`(?m)^\s*use\s+skylift_macro(\s*::\s*(\w+|\{\s*\w+(\s*,\s*\w+)*\s*\}))?\s*;\s*$`)
)

// stripAnnotations removes handler attributes and macro imports from a
// source file.
func stripAnnotations(content string) string {
	content = attrLinePattern.ReplaceAllString(content, "")
	return importPattern.ReplaceAllString(content, "")
}

// mergeLib returns the content of the clone's src/lib.rs: the user's
// lib with every handler-containing module exported, or a generated
// export list when the crate has no lib.rs. existing is "" in the
// latter case.
func mergeLib(existing string, functions []parser.ParsedFunction) string {
	modules := exportedModules(functions)

	if existing == "" {
		var b strings.Builder
		for _, module := range modules {
			fmt.Fprintf(&b, "pub mod %s;\n", module)
		}
		return b.String()
	}

	lib := existing
	for _, module := range modules {
		if module == "lib" {
			continue
		}
		pubPattern := regexp.MustCompile(fmt.Sprintf(`(?m)^\s*pub\s+mod\s+%s;$`, regexp.QuoteMeta(module)))
		if pubPattern.MatchString(lib) {
			continue
		}

		// Replace a private declaration with a public one at the top.
		privPattern := regexp.MustCompile(fmt.Sprintf(`(?m)^\s*mod\s+%s;$`, regexp.QuoteMeta(module)))
		lib = fmt.Sprintf("pub mod %s;\n%s", module, privPattern.ReplaceAllString(lib, ""))
	}

	return stripAnnotations(lib)
}

// exportedModules lists the first path component under src/ of every
// handler file, deduplicated in first-seen order.
func exportedModules(functions []parser.ParsedFunction) []string {
	var modules []string
	seen := map[string]bool{}

	for _, f := range functions {
		rel := strings.TrimPrefix(f.RelativePath, "src/")
		if rel == f.RelativePath {
			continue
		}
		first := rel
		if i := strings.IndexByte(rel, '/'); i >= 0 {
			first = rel[:i]
		}
		first = strings.TrimSuffix(first, path.Ext(first))
		if first == "" || seen[first] {
			continue
		}
		seen[first] = true
		modules = append(modules, first)
	}
	return modules
}

// importStatement builds the use declaration bringing the handler
// symbol into a bin crate's scope.
func importStatement(relativePath, rustName, crateName string) string {
	crate := strings.ReplaceAll(crateName, "-", "_")

	rel := strings.TrimPrefix(relativePath, "src/")
	if rel == "lib.rs" {
		return fmt.Sprintf("use %s::%s;", crate, rustName)
	}

	parts := strings.Split(rel, "/")
	if last := parts[len(parts)-1]; last == "mod.rs" {
		parts = parts[:len(parts)-1]
	} else {
		parts[len(parts)-1] = strings.TrimSuffix(last, ".rs")
	}

	if len(parts) == 0 {
		return fmt.Sprintf("use %s::%s;", crate, rustName)
	}
	return fmt.Sprintf("use %s::%s::%s;", crate, strings.Join(parts, "::"), rustName)
}
