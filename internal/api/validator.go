package api

import (
	"regexp"

	"depscan-service/internal/logger"

	"github.com/rs/zerolog"
)

// FormatMatcher accepts or rejects filenames against the manifest patterns
// advertised by Debricked. Discovery is advisory: with no usable patterns the
// matcher accepts everything so uploads are never blocked by a formats outage.
type FormatMatcher struct {
	patterns []*regexp.Regexp
	log      zerolog.Logger
}

func NewFormatMatcher(patterns []string) *FormatMatcher {
	m := &FormatMatcher{log: logger.Get()}

	for _, pattern := range patterns {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			m.log.Warn().Str("pattern", pattern).Err(err).Msg("Skipping invalid format pattern")
			continue
		}
		m.patterns = append(m.patterns, compiled)
	}

	if len(m.patterns) == 0 {
		m.log.Warn().Msg("No usable format patterns, filename validation disabled")
	}

	return m
}

func (m *FormatMatcher) Matches(filename string) bool {
	if len(m.patterns) == 0 {
		return true
	}

	for _, pattern := range m.patterns {
		if pattern.MatchString(filename) {
			return true
		}
	}

	return false
}
