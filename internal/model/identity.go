package model

// Status is the tri-state account status of an identity.
type Status int

const (
	StatusUnknown Status = iota
	StatusActive
	StatusInactive
)

func (s Status) String() string {
	switch s {
	case StatusActive:
		return "active"
	case StatusInactive:
		return "inactive"
	default:
		return "unknown"
	}
}

// Identity is a resolved platform account. Email may be empty when the
// platform does not expose it.
type Identity struct {
	Username string
	Email    string
	Status   Status
}

// Routable reports whether notifications may be delivered to this identity.
func (i Identity) Routable() bool {
	return i.Status == StatusActive && i.Email != ""
}
