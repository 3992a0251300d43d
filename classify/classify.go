package classify

import "strings"

// Classification is the handling decision for a single message.
type Classification int

const (
	Irrelevant Classification = iota
	Actionable
	ConfirmationOnly
)

func (c Classification) String() string {
	switch c {
	case Actionable:
		return "actionable"
	case ConfirmationOnly:
		return "confirmation"
	default:
		return "irrelevant"
	}
}

// Classify matches subject case-insensitively against the configured
// substrings. The confirmation rule wins over the actionable rule, and an
// empty actionable substring matches every subject.
func Classify(subject, actionable, confirmation string) Classification {
	subject = strings.ToLower(subject)

	if confirmation != "" && strings.Contains(subject, strings.ToLower(confirmation)) {
		return ConfirmationOnly
	}
	if actionable == "" || strings.Contains(subject, strings.ToLower(actionable)) {
		return Actionable
	}
	return Irrelevant
}
