package validation

import "strings"

// MaxFareIqd bounds any fare amount; higher values are treated as typos.
const MaxFareIqd = 10_000_000

func ValidateFare(iqd int64) bool {
	return iqd > 0 && iqd <= MaxFareIqd
}

func ValidateLabel(label string) bool {
	return len(strings.TrimSpace(label)) <= 200
}

func ValidateNote(note string) bool {
	return len(note) <= 500
}
