package domain

import "errors"

var (
	// ErrActivityNotFound is returned when an activity cannot be located.
	ErrActivityNotFound = errors.New("activity not found")
	// ErrActivityFull is returned when an activity has no open slots.
	ErrActivityFull = errors.New("activity is full")
	// ErrAlreadyRegistered is returned when the email is already a member of the activity.
	ErrAlreadyRegistered = errors.New("student already registered for this activity")
	// ErrNotRegistered is returned when unregistering an email that is not a member.
	ErrNotRegistered = errors.New("student is not registered for this activity")
	// ErrInvalidEmail matches every *InvalidEmailError.
	ErrInvalidEmail = errors.New("invalid email")

	// ErrDuplicateMember is reported by a Repository when the membership already exists.
	ErrDuplicateMember = errors.New("membership already exists")
	// ErrNotAMember is reported by a Repository when the membership to remove is absent.
	ErrNotAMember = errors.New("membership does not exist")
)

// InvalidEmailError explains why an address failed the structural check.
type InvalidEmailError struct {
	Reason string
}

func (e *InvalidEmailError) Error() string {
	return "invalid email: " + e.Reason
}

// Is lets errors.Is(err, ErrInvalidEmail) match.
func (e *InvalidEmailError) Is(target error) bool {
	return target == ErrInvalidEmail
}
