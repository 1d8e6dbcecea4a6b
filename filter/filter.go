// Package filter selects which decoded conversations proceed to
// conversion, matching regex patterns against participants and message
// text.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/kadin2048/ichat-to-eml/model"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeParticipant []string
	IncludeText        []string
	ExcludeParticipant []string
	ExcludeText        []string
}

// Filter holds compiled regex patterns for filtering conversations.
type Filter struct {
	includeMode        bool
	excludeMode        bool
	includeParticipant []*regexp.Regexp
	includeText        []*regexp.Regexp
	excludeParticipant []*regexp.Regexp
	excludeText        []*regexp.Regexp
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeParticipant, err := compilePatterns(opts.IncludeParticipant)
	if err != nil {
		return nil, fmt.Errorf("compile include-participant pattern: %w", err)
	}
	includeText, err := compilePatterns(opts.IncludeText)
	if err != nil {
		return nil, fmt.Errorf("compile include-text pattern: %w", err)
	}
	excludeParticipant, err := compilePatterns(opts.ExcludeParticipant)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-participant pattern: %w", err)
	}
	excludeText, err := compilePatterns(opts.ExcludeText)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-text pattern: %w", err)
	}

	includeActive := len(includeParticipant) > 0 || len(includeText) > 0
	excludeActive := len(excludeParticipant) > 0 || len(excludeText) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode:        includeActive,
		excludeMode:        excludeActive,
		includeParticipant: includeParticipant,
		includeText:        includeText,
		excludeParticipant: excludeParticipant,
		excludeText:        excludeText,
	}, nil
}

// Allows returns true if the conversation passes the filter criteria.
func (f *Filter) Allows(conv *model.Conversation) bool {
	if conv == nil {
		return false
	}

	var participantText, bodyText string
	if f.includeMode || f.excludeMode {
		participantText = strings.Join(append(append([]string(nil), conv.Participants...), conv.Names...), "\n")
		var bodies []string
		for i := range conv.Messages {
			if t := conv.Messages[i].Text; t != nil {
				bodies = append(bodies, *t)
			}
		}
		bodyText = strings.Join(bodies, "\n")
	}

	if f.includeMode {
		return matchAny(f.includeParticipant, participantText) || matchAny(f.includeText, bodyText)
	}

	if f.excludeMode {
		if matchAny(f.excludeParticipant, participantText) || matchAny(f.excludeText, bodyText) {
			return false
		}
	}

	return true
}

func compilePatterns(patterns []string) ([]*regexp.Regexp, error) {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pattern := range patterns {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return compiled, nil
}

func matchAny(patterns []*regexp.Regexp, text string) bool {
	if len(patterns) == 0 {
		return false
	}
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
