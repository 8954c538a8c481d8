package scanner

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// patternEntry is the on-disk form of one pattern.
type patternEntry struct {
	Kind string `yaml:"kind"`
	Rule string `yaml:"rule"`
}

// DefaultPatterns returns the built-in pattern set. Value classes exclude
// '<' so that redaction placeholders never re-match (idempotent scans).
func DefaultPatterns() []Pattern {
	return []Pattern{
		{Kind: "private_key", Rule: regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----[^<]*?-----END [A-Z ]*PRIVATE KEY-----`)},
		{Kind: "aws_access_key", Rule: regexp.MustCompile(`AKIA[0-9A-Z]{16}`)},
		{Kind: "api_key", Rule: regexp.MustCompile(`sk-[A-Za-z0-9_-]{20,}`)},
		{Kind: "github_token", Rule: regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`)},
		{Kind: "bearer_token", Rule: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{20,}=*`)},
		{Kind: "password", Rule: regexp.MustCompile(`(?i)password\s*[:=]\s*[^\s<]{4,}`)},
		{Kind: "slack_token", Rule: regexp.MustCompile(`xox[baprs]-[A-Za-z0-9-]{10,}`)},
	}
}

// LoadPatternsFile parses a YAML pattern list:
//
//	- kind: api_key
//	  rule: sk-[A-Za-z0-9_-]{20,}
//
// A rule that fails to compile is rejected; hot reload keeps the previous
// set rather than installing a partial one.
func LoadPatternsFile(path string) ([]Pattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read patterns file: %w", err)
	}

	var entries []patternEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse patterns file: %w", err)
	}

	patterns := make([]Pattern, 0, len(entries))
	for _, e := range entries {
		if e.Kind == "" {
			return nil, fmt.Errorf("pattern entry missing kind")
		}
		rule, err := regexp.Compile(e.Rule)
		if err != nil {
			return nil, fmt.Errorf("compile rule for kind %q: %w", e.Kind, err)
		}
		patterns = append(patterns, Pattern{Kind: e.Kind, Rule: rule})
	}
	if len(patterns) == 0 {
		return nil, fmt.Errorf("patterns file %s contains no entries", path)
	}
	return patterns, nil
}
