package common

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
)

// Build info injected via ldflags
var (
	Version   = "dev"
	Build     = "unknown"
	GitCommit = "unknown"
)

// GetVersion returns the semantic version string
func GetVersion() string {
	return Version
}

// GetBuild returns the build timestamp
func GetBuild() string {
	return Build
}

// GetGitCommit returns the short git commit hash
func GetGitCommit() string {
	return GitCommit
}

// LoadVersionFromFile reads a key:value .version file next to the binary.
// File values only fill in fields that ldflags left at their defaults.
func LoadVersionFromFile() {
	exe, err := os.Executable()
	if err != nil {
		return
	}

	f, err := os.Open(filepath.Join(filepath.Dir(exe), ".version"))
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "version":
			if Version == "dev" {
				Version = strings.TrimSpace(val)
			}
		case "build":
			if Build == "unknown" {
				Build = strings.TrimSpace(val)
			}
		case "commit":
			if GitCommit == "unknown" {
				GitCommit = strings.TrimSpace(val)
			}
		}
	}
}
