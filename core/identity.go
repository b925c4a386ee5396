package core

import (
	"regexp"
	"strings"
)

const (
	// Instructor identities are phone numbers in international form.
	Instructor Role = "instructor"
	// Student identities are email addresses.
	Student Role = "student"
)

// Role tags a participant identity. It decides which normalization
// rules apply to the participant's public identifier.
type Role string

func (r Role) Valid() bool {
	return r == Instructor || r == Student
}

// Participant is the identity the authentication collaborator hands us
// for a connection. It is read-only input; the chat core never updates
// it, it only snapshots it onto messages at send time.
type Participant struct {
	ID          string `json:"id"`
	Role        Role   `json:"role"`
	DisplayName string `json:"display_name"`
}

// DefaultCountryCode is the domestic trunk replacement applied to phone
// identifiers that start with "0".
const DefaultCountryCode = "84"

var nonDigits = regexp.MustCompile(`\D`)

// Normalizer canonicalizes raw participant identifiers into the stable
// strings used as routing keys. Both sides of a conversation must run
// the same rules so they derive the same room id, so keep this pure.
// Construct with NewNormalizer.
type Normalizer struct {
	// CountryCode without the leading "+", e.g. "84".
	CountryCode string

	phonePattern *regexp.Regexp
}

func NewNormalizer(countryCode string) Normalizer {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	return Normalizer{
		CountryCode:  countryCode,
		phonePattern: regexp.MustCompile(`^\+` + regexp.QuoteMeta(countryCode) + `[0-9]{9}$`),
	}
}

// Normalize canonicalizes raw according to the participant role.
// Instructor identifiers become "+<cc><subscriber>" phone numbers,
// student identifiers become trimmed lowercase emails. Returns
// ErrInvalidIdentifier when the result is not phone- or email-shaped.
// Normalize(Normalize(x)) == Normalize(x) for every accepted x.
func (n Normalizer) Normalize(raw string, role Role) (string, error) {
	switch role {
	case Instructor:
		return n.normalizePhone(raw)
	case Student:
		return normalizeEmail(raw)
	default:
		return "", ErrInvalidIdentifier
	}
}

// NormalizeParticipant returns a copy of p with its ID canonicalized.
func (n Normalizer) NormalizeParticipant(p Participant) (Participant, error) {
	id, err := n.Normalize(p.ID, p.Role)
	if err != nil {
		return Participant{}, err
	}
	p.ID = id
	return p, nil
}

func (n Normalizer) normalizePhone(raw string) (string, error) {
	digits := nonDigits.ReplaceAllString(raw, "")
	if digits == "" {
		return "", ErrInvalidIdentifier
	}

	// "0xxxxxxxxx" is the domestic form; swap the trunk prefix for the
	// country code. A bare subscriber number gets the code prepended.
	if strings.HasPrefix(digits, "0") {
		digits = n.CountryCode + digits[1:]
	} else if !strings.HasPrefix(digits, n.CountryCode) {
		digits = n.CountryCode + digits
	}

	formatted := "+" + digits

	if !n.phonePattern.MatchString(formatted) {
		return "", ErrInvalidIdentifier
	}
	return formatted, nil
}

func normalizeEmail(raw string) (string, error) {
	email := strings.ToLower(strings.TrimSpace(raw))
	at := strings.Index(email, "@")
	if at <= 0 || at != strings.LastIndex(email, "@") || at == len(email)-1 {
		return "", ErrInvalidIdentifier
	}
	return email, nil
}
