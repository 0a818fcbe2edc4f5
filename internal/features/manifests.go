package features

import (
	"path"
	"strings"
)

// manifestFiles are build, package and lock files whose modification
// counts as a dependency change.
var manifestFiles = map[string]bool{
	// Gradle / Android
	"build.gradle":        true,
	"build.gradle.kts":    true,
	"settings.gradle":     true,
	"settings.gradle.kts": true,
	"gradle.properties":   true,
	"libs.versions.toml":  true,
	// Maven
	"pom.xml": true,
	// JavaScript
	"package.json":      true,
	"package-lock.json": true,
	"yarn.lock":         true,
	"pnpm-lock.yaml":    true,
	// Go
	"go.mod": true,
	"go.sum": true,
	// Python
	"requirements.txt": true,
	"Pipfile":          true,
	"Pipfile.lock":     true,
	"pyproject.toml":   true,
	"poetry.lock":      true,
	"setup.py":         true,
	// Ruby
	"Gemfile":      true,
	"Gemfile.lock": true,
	// Rust
	"Cargo.toml": true,
	"Cargo.lock": true,
	// PHP
	"composer.json": true,
	"composer.lock": true,
	// Apple
	"Podfile":          true,
	"Podfile.lock":     true,
	"Package.swift":    true,
	"Package.resolved": true,
	// Elixir
	"mix.exs":  true,
	"mix.lock": true,
	// C/C++, Scala, .NET
	"CMakeLists.txt":           true,
	"build.sbt":                true,
	"packages.config":          true,
	"Directory.Packages.props": true,
}

// IsManifest reports whether a changed path names a dependency manifest
func IsManifest(p string) bool {
	p = strings.ReplaceAll(p, "\\", "/")
	return manifestFiles[path.Base(p)]
}

// CountManifests counts the paths that name dependency manifests
func CountManifests(paths []string) int {
	n := 0
	for _, p := range paths {
		if IsManifest(p) {
			n++
		}
	}
	return n
}
