package executor

import (
	"fmt"
	"go/parser"
	"go/token"
	"strings"
)

// allowedImports is the stdlib surface lens source may reach. Everything
// with filesystem, network, process, or unsafe access stays out.
var allowedImports = map[string]bool{
	"bytes":           true,
	"encoding/base64": true,
	"encoding/json":   true,
	"errors":          true,
	"fmt":             true,
	"html":            true,
	"math":            true,
	"regexp":          true,
	"sort":            true,
	"strconv":         true,
	"strings":         true,
	"time":            true,
	"unicode":         true,
	"unicode/utf8":    true,
}

// wrapSource ensures the lens source carries a package clause so the
// interpreter can evaluate it as a file. Only an actual clause counts; the
// phrase inside a comment or string literal does not suppress wrapping.
func wrapSource(src string) string {
	if _, err := parser.ParseFile(token.NewFileSet(), "lens.go", src, parser.PackageClauseOnly); err == nil {
		return src
	}
	return "package main\n\n" + src
}

// checkImports parses the wrapped source and rejects any import outside the
// whitelist before the interpreter sees it.
func checkImports(src string) error {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, "lens.go", src, parser.ImportsOnly)
	if err != nil {
		return fmt.Errorf("lens source does not parse: %w", err)
	}
	var forbidden []string
	for _, imp := range f.Imports {
		path := strings.Trim(imp.Path.Value, `"`)
		if !allowedImports[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		return fmt.Errorf("forbidden imports: %s", strings.Join(forbidden, ", "))
	}
	return nil
}
