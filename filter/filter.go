package filter

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/k3a/html2text"

	"github.com/dhcgn/archive-to-mailbox/archive"
)

// Options captures the filtering configuration.
type Options struct {
	IncludeHeader []string
	IncludeBody   []string
	ExcludeHeader []string
	ExcludeBody   []string
}

// Filter holds compiled regex patterns for filtering messages.
type Filter struct {
	includeMode    bool
	excludeMode    bool
	includeHeader  []*regexp.Regexp
	includeBody    []*regexp.Regexp
	excludeHeader  []*regexp.Regexp
	excludeBody    []*regexp.Regexp
	needHeaderText bool
	needBodyText   bool

	mu       sync.Mutex
	allowed  int
	rejected int
}

// Counts are the decisions a filter has made.
type Counts struct {
	Allowed  int
	Rejected int
}

// New creates a new Filter from the provided options.
func New(opts Options) (*Filter, error) {
	includeHeader, err := compilePatterns(opts.IncludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile include-header pattern: %w", err)
	}
	includeBody, err := compilePatterns(opts.IncludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile include-body pattern: %w", err)
	}
	excludeHeader, err := compilePatterns(opts.ExcludeHeader)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-header pattern: %w", err)
	}
	excludeBody, err := compilePatterns(opts.ExcludeBody)
	if err != nil {
		return nil, fmt.Errorf("compile exclude-body pattern: %w", err)
	}

	includeActive := len(includeHeader) > 0 || len(includeBody) > 0
	excludeActive := len(excludeHeader) > 0 || len(excludeBody) > 0
	if includeActive && excludeActive {
		return nil, fmt.Errorf("include and exclude filters are mutually exclusive")
	}

	return &Filter{
		includeMode:    includeActive,
		excludeMode:    excludeActive,
		includeHeader:  includeHeader,
		includeBody:    includeBody,
		excludeHeader:  excludeHeader,
		excludeBody:    excludeBody,
		needHeaderText: len(includeHeader) > 0 || len(excludeHeader) > 0,
		needBodyText:   len(includeBody) > 0 || len(excludeBody) > 0,
	}, nil
}

// Active reports whether any pattern is configured.
func (f *Filter) Active() bool {
	return f.includeMode || f.excludeMode
}

// Allows returns true if the message passes the filter criteria. Header
// patterns see the message rendered as "Name: value" lines.
func (f *Filter) Allows(msg *archive.Message) bool {
	var headerText, bodyText string
	if f.needHeaderText {
		headerText = HeaderText(msg)
	}
	if f.needBodyText {
		bodyText = BodyText(msg)
	}

	ok := f.Match(headerText, bodyText)
	f.mu.Lock()
	if ok {
		f.allowed++
	} else {
		f.rejected++
	}
	f.mu.Unlock()
	return ok
}

// Match applies the patterns to already rendered header and body text.
func (f *Filter) Match(headerText, bodyText string) bool {
	if f.includeMode {
		return matchAny(f.includeHeader, headerText) || matchAny(f.includeBody, bodyText)
	}

	if f.excludeMode {
		if matchAny(f.excludeHeader, headerText) || matchAny(f.excludeBody, bodyText) {
			return false
		}
	}

	return true
}

func (f *Filter) Counts() Counts {
	f.mu.Lock()
	defer f.mu.Unlock()
	return Counts{Allowed: f.allowed, Rejected: f.rejected}
}

// HeaderText renders the header fields of msg the patterns match against.
func HeaderText(msg *archive.Message) string {
	var sb strings.Builder
	writeField := func(name, value string) {
		if value == "" {
			return
		}
		sb.WriteString(name)
		sb.WriteString(": ")
		sb.WriteString(value)
		sb.WriteByte('\n')
	}

	from := msg.SenderAddress
	if msg.SenderName != "" {
		from = msg.SenderName + " <" + msg.SenderAddress + ">"
	}
	writeField("Subject", msg.Subject)
	writeField("From", from)
	writeField("To", msg.DisplayTo)
	writeField("Cc", msg.DisplayCC)
	writeField("Bcc", msg.DisplayBCC)
	writeField("Message-ID", msg.MessageID)
	writeField("X-Message-Class", msg.Class)
	return sb.String()
}

// BodyText returns the plain text body, falling back to the text of the
// HTML body and then to the raw rich text.
func BodyText(msg *archive.Message) string {
	switch {
	case msg.BodyText != "":
		return msg.BodyText
	case msg.BodyHTML != "":
		return html2text.HTML2Text(msg.BodyHTML)
	default:
		return string(msg.BodyRTF)
	}
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
