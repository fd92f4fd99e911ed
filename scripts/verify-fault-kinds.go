// SPDX-License-Identifier: MIT

// Command verify-fault-kinds enforces the single source of truth for the
// HTTP error surface: fault kinds become wire codes and status codes only
// through the table in internal/api/errors.go. It flags raw wire-code
// string literals and numeric WriteHeader statuses anywhere else in the
// package, so a refactor cannot quietly fork the mapping.
//
// Run from the repository root:
//
//	go run ./scripts/verify-fault-kinds.go ./internal/api
package main

import (
	"fmt"
	"go/ast"
	"go/token"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/tools/go/packages"
)

// wireCodes are the kind strings that cross the API boundary. Handlers
// must spell them via fault.Kind constants; duplicating the literal is a
// drift hazard.
var wireCodes = map[string]bool{
	"INVALID_INPUT":      true,
	"FILE_TOO_LARGE":     true,
	"RATE_LIMITED":       true,
	"RESOURCE_EXHAUSTED": true,
	"UPSTREAM_FAILED":    true,
	"TIMEOUT":            true,
	"CANCELLED":          true,
	"NOT_FOUND":          true,
	"TRANSIENT":          true,
	"INTERNAL":           true,
}

func main() {
	pattern := "./internal/api"
	if len(os.Args) > 1 {
		pattern = os.Args[1]
	}

	violations, err := Analyze(pattern)
	if err != nil {
		fmt.Fprintf(os.Stderr, "analysis failed: %v\n", err)
		os.Exit(1)
	}
	if len(violations) > 0 {
		fmt.Fprintln(os.Stderr, "fault-kind mapping violations found:")
		for _, v := range violations {
			fmt.Fprintln(os.Stderr, "  "+v)
		}
		os.Exit(1)
	}
}

// Analyze inspects the packages matched by pattern and reports every place
// that hardcodes a wire code or a numeric response status. Test files and
// errors.go, the mapping's home, are exempt.
func Analyze(pattern string) ([]string, error) {
	cfg := &packages.Config{
		Mode: packages.NeedSyntax | packages.NeedFiles | packages.NeedName,
		Dir:  ".",
	}
	pkgs, err := packages.Load(cfg, pattern)
	if err != nil {
		return nil, fmt.Errorf("load packages: %w", err)
	}

	var violations []string
	for _, pkg := range pkgs {
		for i, file := range pkg.Syntax {
			filename := ""
			if i < len(pkg.CompiledGoFiles) {
				filename = pkg.CompiledGoFiles[i]
			} else if i < len(pkg.GoFiles) {
				filename = pkg.GoFiles[i]
			}
			if filename == "" {
				continue
			}
			if strings.HasSuffix(filename, "_test.go") || filepath.Base(filename) == "errors.go" {
				continue
			}

			ast.Inspect(file, func(n ast.Node) bool {
				switch node := n.(type) {
				case *ast.BasicLit:
					if node.Kind != token.STRING {
						return true
					}
					val, err := strconv.Unquote(node.Value)
					if err != nil {
						return true
					}
					if wireCodes[val] {
						violations = append(violations, violation(pkg.Fset, filename, node.Pos(),
							fmt.Sprintf("raw wire code %q (use the fault kind constant)", val)))
					}
				case *ast.CallExpr:
					sel, ok := node.Fun.(*ast.SelectorExpr)
					if !ok || sel.Sel.Name != "WriteHeader" || len(node.Args) != 1 {
						return true
					}
					if lit, ok := node.Args[0].(*ast.BasicLit); ok && lit.Kind == token.INT {
						violations = append(violations, violation(pkg.Fset, filename, node.Pos(),
							fmt.Sprintf("literal status %s in WriteHeader (route through the fault table or http constants)", lit.Value)))
					}
				}
				return true
			})
		}
	}
	return violations, nil
}

func violation(fset *token.FileSet, filename string, pos token.Pos, msg string) string {
	if rel, err := filepath.Rel(".", filename); err == nil {
		filename = rel
	}
	return fmt.Sprintf("%s:%d: %s", filename, fset.Position(pos).Line, msg)
}
