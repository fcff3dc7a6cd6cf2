// Package nmi validates the connection-point identifier (National Metering
// Identifier) format used by Site.NMI, gated by the
// nmi_validation_enabled/nmi_validation_participant_id config options
// (§6).
//
// Grounded on the reference server's
// server/api/depends/nmi_validator.py and its NmiValidator's
// _luhn_10_using_ascii_codes check (original_source, test fixtures in
// tests/unit/server/manager/test_nmi_validator.py). The reference
// implementation additionally
// dispatches to per-participant regex pattern groups (MultiPatternRegexValidator)
// keyed by ACTEWP/CNRGYP/ENERGYAP/etc — that table isn't named anywhere in
// spec.md, so this port keeps the Luhn-10 check (the part spec.md
// explicitly calls out) and a generic 10-alphanumeric-character shape
// check, and keeps participant_id on the Validator without branching on
// it; see DESIGN.md.
package nmi

import (
	"strings"
)

// excludedLetters are never valid NMI characters — 'I' and 'O' are
// excluded industry-wide to avoid confusion with '1' and '0'.
const excludedLetters = "IO"

// Luhn10 computes the AEMO National Metering Identifier check digit over
// every character of target (Validate passes the leading 10), using the
// ASCII-code variant of the Luhn algorithm: each character's ASCII value is
// treated as the "digit" input, doubled at every even position counted
// 1-indexed from the left, with digit-sum reduction, summed, and the check
// digit is what's needed to reach the next multiple of 10.
func Luhn10(target string) int {
	sum := 0

	n := len(target)
	for i := 0; i < n; i++ {
		value := int(target[i])

		// Positions are 1-indexed from the left for this checksum; every
		// even position is doubled, matching the reference implementation's
		// ASCII-code Luhn variant.
		if (i+1)%2 == 0 {
			value *= 2
		}

		sum += digitSum(value)
	}

	checkDigit := (10 - (sum % 10)) % 10

	return checkDigit
}

func digitSum(v int) int {
	sum := 0
	for v > 0 {
		sum += v % 10
		v /= 10
	}

	return sum
}

// Validator enforces NMI format for one distribution participant. The
// participant id is retained for operators and audit logs; the shared
// Luhn-10 check and length/charset rules are participant-independent in
// this implementation (see package doc).
type Validator struct {
	ParticipantID string
}

// New builds a Validator for participantID.
func New(participantID string) *Validator {
	return &Validator{ParticipantID: participantID}
}

// Validate checks nmi is 10 alphanumeric characters (excluding I/O),
// optionally followed by an 11th Luhn-10 check digit matching Luhn10 of
// the leading 10.
func (v *Validator) Validate(value string) bool {
	switch len(value) {
	case 10:
		return isValidShape(value)
	case 11:
		if !isValidShape(value[:10]) {
			return false
		}

		checkDigit := value[10]
		if checkDigit < '0' || checkDigit > '9' {
			return false
		}

		return int(checkDigit-'0') == Luhn10(value[:10])
	default:
		return false
	}
}

func isValidShape(s string) bool {
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'A' && r <= 'Z' && !strings.ContainsRune(excludedLetters, r):
		default:
			return false
		}
	}

	return true
}
