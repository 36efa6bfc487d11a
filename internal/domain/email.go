package domain

import (
	"net/mail"
	"strings"
	"unicode"
)

const (
	maxEmailLength  = 254
	maxLocalLength  = 64
	maxDomainLength = 253
	maxLabelLength  = 63
)

// ValidateEmail performs a structural local-part@domain check. It never touches DNS.
func ValidateEmail(email string) error {
	if email == "" {
		return &InvalidEmailError{Reason: "The email address is empty."}
	}
	if strings.IndexFunc(email, unicode.IsSpace) >= 0 {
		return &InvalidEmailError{Reason: "The email address contains whitespace."}
	}
	if len(email) > maxEmailLength {
		return &InvalidEmailError{Reason: "The email address is too long."}
	}
	if strings.Count(email, "@") != 1 {
		return &InvalidEmailError{Reason: "The email address is not valid. It must have exactly one @-sign."}
	}

	local, domain, _ := strings.Cut(email, "@")
	if err := validateLocalPart(local); err != nil {
		return err
	}
	if err := validateDomain(domain); err != nil {
		return err
	}

	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email || addr.Name != "" {
		return &InvalidEmailError{Reason: "The email address is not valid."}
	}
	return nil
}

func validateLocalPart(local string) error {
	switch {
	case local == "":
		return &InvalidEmailError{Reason: "There must be something before the @-sign."}
	case len(local) > maxLocalLength:
		return &InvalidEmailError{Reason: "The email address is too long before the @-sign."}
	case strings.HasPrefix(local, "."):
		return &InvalidEmailError{Reason: "An email address cannot start with a period."}
	case strings.HasSuffix(local, "."):
		return &InvalidEmailError{Reason: "An email address cannot have a period immediately before the @-sign."}
	case strings.Contains(local, ".."):
		return &InvalidEmailError{Reason: "An email address cannot have two periods in a row."}
	}
	for _, r := range local {
		if !isAtext(r) && r != '.' {
			return &InvalidEmailError{Reason: "The email address contains invalid characters before the @-sign: '" + string(r) + "'."}
		}
	}
	return nil
}

func validateDomain(domain string) error {
	switch {
	case domain == "":
		return &InvalidEmailError{Reason: "There must be something after the @-sign."}
	case len(domain) > maxDomainLength:
		return &InvalidEmailError{Reason: "The email address is too long after the @-sign."}
	case !strings.Contains(domain, "."):
		return &InvalidEmailError{Reason: "The part after the @-sign is not valid. It should have a period."}
	case strings.HasPrefix(domain, "."):
		return &InvalidEmailError{Reason: "An email address cannot have a period immediately after the @-sign."}
	case strings.HasSuffix(domain, "."):
		return &InvalidEmailError{Reason: "An email address cannot end with a period."}
	case strings.Contains(domain, ".."):
		return &InvalidEmailError{Reason: "An email address cannot have two periods in a row."}
	}

	labels := strings.Split(domain, ".")
	for _, label := range labels {
		if len(label) > maxLabelLength {
			return &InvalidEmailError{Reason: "After the @-sign, periods cannot be separated by so many characters."}
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return &InvalidEmailError{Reason: "An email address cannot have a hyphen immediately before or after a period."}
		}
		for _, r := range label {
			if !isLDH(r) {
				return &InvalidEmailError{Reason: "The part after the @-sign contains invalid characters: '" + string(r) + "'."}
			}
		}
	}
	if isNumeric(labels[len(labels)-1]) {
		return &InvalidEmailError{Reason: "The part after the @-sign is not valid. It is not within a valid top-level domain."}
	}
	return nil
}

// isAtext reports RFC 5322 atext characters.
func isAtext(r rune) bool {
	if r < 0x80 && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
		return true
	}
	return strings.ContainsRune("!#$%&'*+-/=?^_`{|}~", r)
}

func isLDH(r rune) bool {
	return r < 0x80 && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-')
}

func isNumeric(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
