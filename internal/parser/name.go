package parser

import (
	"fmt"
	"strings"
	"unicode"
)

// MaxNameLength is the upper bound accepted for a deployable function
// name, matching the compute service limit.
const MaxNameLength = 64

// LocalSuffix distinguishes the locally-runnable variant of a handler
// from its remote counterpart.
const LocalSuffix = "Local"

// PathToName converts a slash-separated source path into a CamelCase
// identifier. Extension segments are dropped and the leading source
// directory is removed once, so "src/api/checkout.rs" yields
// "ApiCheckout".
func PathToName(path string) string {
	var b strings.Builder
	for _, segment := range strings.FieldsFunc(path, func(r rune) bool {
		return r == '.' || r == '/'
	}) {
		if segment == "rs" {
			continue
		}
		runes := []rune(segment)
		b.WriteRune(unicode.ToUpper(runes[0]))
		b.WriteString(string(runes[1:]))
	}
	return strings.Replace(b.String(), "Src", "", 1)
}

// FuncName derives the deployable name of the handler. The declared
// name from the attribute wins over the path-derived default, and the
// local variant gets the Local suffix. Names longer than MaxNameLength
// are rejected.
func (f ParsedFunction) FuncName(isLocal bool) (string, error) {
	name := f.Params.DeclaredName()
	if name == "" {
		name = PathToName(f.RelativePath + "/" + f.RustFunctionName)
	}

	if len(name) > MaxNameLength {
		return "", fmt.Errorf("function name is longer than %d chars: %s", MaxNameLength, name)
	}

	if isLocal {
		name += LocalSuffix
	}
	return name, nil
}
