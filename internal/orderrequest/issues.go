package orderrequest

import (
	"strings"

	"golang.org/x/text/language"

	"github.com/odyssey-erp/banf/internal/i18n"
)

// Severity separates issues that abort a write from advisory ones.
type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityWarning  Severity = "warning"
)

// Issue is a single validation finding.
type Issue struct {
	Key      i18n.Key
	Severity Severity
	Args     []any
}

// Message renders the issue in the given language.
func (i Issue) Message(tag language.Tag) string {
	return i18n.Translate(tag, i.Key, i.Args...)
}

// Issues is an ordered list of findings.
type Issues []Issue

func (is *Issues) block(key i18n.Key, args ...any) {
	*is = append(*is, Issue{Key: key, Severity: SeverityBlocking, Args: args})
}

func (is *Issues) warn(key i18n.Key, args ...any) {
	*is = append(*is, Issue{Key: key, Severity: SeverityWarning, Args: args})
}

// Blocking returns the issues that abort a write.
func (is Issues) Blocking() Issues {
	return is.filter(SeverityBlocking)
}

// Warnings returns the advisory issues.
func (is Issues) Warnings() Issues {
	return is.filter(SeverityWarning)
}

// HasBlocking reports whether any issue aborts the write.
func (is Issues) HasBlocking() bool {
	for _, i := range is {
		if i.Severity == SeverityBlocking {
			return true
		}
	}
	return false
}

// Has reports whether an issue with key is present.
func (is Issues) Has(key i18n.Key) bool {
	for _, i := range is {
		if i.Key == key {
			return true
		}
	}
	return false
}

// Messages renders all issues in the given language.
func (is Issues) Messages(tag language.Tag) []string {
	out := make([]string, 0, len(is))
	for _, i := range is {
		out = append(out, i.Message(tag))
	}
	return out
}

func (is Issues) filter(sev Severity) Issues {
	var out Issues
	for _, i := range is {
		if i.Severity == sev {
			out = append(out, i)
		}
	}
	return out
}

// IssuesError carries the blocking issues that aborted a write.
type IssuesError struct {
	Issues Issues
}

func (e *IssuesError) Error() string {
	return "orderrequest: " + strings.Join(e.Issues.Messages(language.English), "; ")
}

// Is makes blocking issues match ErrValidation.
func (e *IssuesError) Is(target error) bool {
	return target == ErrValidation
}

// abortOnBlocking returns an *IssuesError when issues contain blocking entries.
func abortOnBlocking(issues Issues) error {
	if !issues.HasBlocking() {
		return nil
	}
	return &IssuesError{Issues: issues.Blocking()}
}
