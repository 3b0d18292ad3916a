package notify

import "strings"

// Extract returns the issue identifier announced by n. The boolean is false
// when n has no non-empty section block, the section text has no labelled
// link, or the label does not start with an identifier. None of those are
// errors: already-synced notifications simply have a different layout.
func Extract(n Notification) (IssueIdentifier, bool) {
	text, ok := firstSectionText(n.Blocks)
	if !ok {
		return "", false
	}
	label, ok := LinkLabel(text)
	if !ok {
		return "", false
	}
	return LeadingIdentifier(label)
}

func firstSectionText(blocks []Block) (string, bool) {
	for _, block := range blocks {
		if block.IsSection() && block.Text != "" {
			return block.Text, true
		}
	}
	return "", false
}

// LinkLabel finds the leftmost "|label>" span of Slack link markup
// (<url|label>) and returns the label. The label must be non-empty and
// cannot contain '>'.
func LinkLabel(text string) (string, bool) {
	for start := 0; start < len(text); {
		bar := strings.IndexByte(text[start:], '|')
		if bar < 0 {
			return "", false
		}
		labelStart := start + bar + 1
		end := strings.IndexByte(text[labelStart:], '>')
		if end < 0 {
			// No closing '>' after this bar means none after any later bar.
			return "", false
		}
		if end > 0 {
			return text[labelStart : labelStart+end], true
		}
		start = labelStart
	}
	return "", false
}

// LeadingIdentifier matches an identifier of the form LETTERS-DIGITS at the
// very start of label, with ASCII uppercase letters and ASCII digits.
// Trailing text after the digits is ignored.
func LeadingIdentifier(label string) (IssueIdentifier, bool) {
	i := 0
	for i < len(label) && label[i] >= 'A' && label[i] <= 'Z' {
		i++
	}
	if i == 0 || i >= len(label) || label[i] != '-' {
		return "", false
	}
	i++
	digitsStart := i
	for i < len(label) && label[i] >= '0' && label[i] <= '9' {
		i++
	}
	if i == digitsStart {
		return "", false
	}
	return IssueIdentifier(label[:i]), true
}
