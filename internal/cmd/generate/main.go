// Package main orchestrates code generation for the recall service.
// Run via: go generate ./...
// This generates OpenAPI types (oapi-codegen) for the agent API. The
// output is committed so the module builds without a generate step.
package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/getkin/kin-openapi/openapi3"
)

func main() {
	root := findProjectRoot()

	validateOpenAPI(root, "openapi.yml")
	validateOpenAPI(root, "openapi-admin.yml")

	generateOpenAPI(root)

	// Align struct tags in generated Go code
	fmt.Println("Aligning struct tags...")
	run("go", "run", "github.com/4meepo/tagalign/cmd/tagalign", "-fix", "-sort", "-order", "json,gorm,enum,example", "./internal/...")

	// Format all generated Go code
	fmt.Println("Formatting generated Go code...")
	run("gofmt", "-w", filepath.Join(root, "internal", "generated"))

	fmt.Println("Code generation complete.")
}

// validateOpenAPI fails the build when a contract document no longer parses,
// so a bad edit is caught before oapi-codegen produces garbage from it.
func validateOpenAPI(root, name string) {
	path := filepath.Join(root, "api", name)
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", path, err)
		os.Exit(1)
	}
	if err := doc.Validate(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "%s is not a valid OpenAPI document: %v\n", name, err)
		os.Exit(1)
	}
}

func generateOpenAPI(root string) {
	spec := filepath.Join(root, "api", "openapi.yml")
	cfg := filepath.Join(root, "internal", "generated", "api", "cfg.yaml")
	out := filepath.Join(root, "internal", "generated", "api")
	if err := os.MkdirAll(out, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create %s: %v\n", out, err)
		os.Exit(1)
	}
	fmt.Println("Generating agent API types...")
	run("go", "run", "github.com/oapi-codegen/oapi-codegen/v2/cmd/oapi-codegen", "--config="+cfg, spec)
}

func run(name string, args ...string) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "command failed: %s %v: %v\n", name, args, err)
		os.Exit(1)
	}
}

func findProjectRoot() string {
	// Walk up from the working directory to find go.mod
	dir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot get working directory: %v\n", err)
		os.Exit(1)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			fmt.Fprintf(os.Stderr, "cannot find project root (go.mod)\n")
			os.Exit(1)
		}
		dir = parent
	}
}
