package main

import (
	"runtime/debug"
	"strings"
)

// Overridable with -ldflags "-X main.gitSHA1=...". When left empty they are
// read from the VCS stamp the go command embeds in the binary.
var (
	gitSHA1   string
	gitDirty  string
	buildDate string
)

func init() {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	for _, s := range info.Settings {
		switch s.Key {
		case "vcs.revision":
			if gitSHA1 == "" {
				gitSHA1 = shortRevision(s.Value)
			}
		case "vcs.modified":
			if gitDirty == "" {
				gitDirty = "0"
				if s.Value == "true" {
					gitDirty = "1"
				}
			}
		case "vcs.time":
			if buildDate == "" {
				buildDate = s.Value
			}
		}
	}
}

// shortRevision keeps the first 8 hex digits, enough to name a commit.
func shortRevision(rev string) string {
	if len(rev) > 8 {
		return rev[:8]
	}
	return rev
}

func GitSHA1() string {
	return orUnknown(gitSHA1)
}

func GitDirty() string {
	return orUnknown(gitDirty)
}

// BuildInfo describes the binary for the startup log line.
func BuildInfo() string {
	var b strings.Builder
	b.WriteString(GitSHA1())
	if gitDirty == "1" {
		b.WriteString("-dirty")
	}
	b.WriteString(" ")
	b.WriteString(orUnknown(buildDate))
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}
