package models

import "fmt"

// ParentKind identifies the type of entity that owns an order.
type ParentKind string

const (
	ParentKindCollaboration ParentKind = "collaboration"
	ParentKindMicrocredit   ParentKind = "microcredit"
)

// Each parent kind is encoded as a single letter inside the gateway
// order reference, right after the zero-padded parent id.
const (
	letterCollaboration = 'C'
	letterMicrocredit   = 'M'
)

// Letter returns the reference letter for the parent kind.
func (k ParentKind) Letter() (byte, error) {
	switch k {
	case ParentKindCollaboration:
		return letterCollaboration, nil
	case ParentKindMicrocredit:
		return letterMicrocredit, nil
	}
	return 0, fmt.Errorf("unknown parent kind %q", string(k))
}

// ParentKindFromLetter decodes the reference letter back into a kind.
func ParentKindFromLetter(letter byte) (ParentKind, error) {
	switch letter {
	case letterCollaboration:
		return ParentKindCollaboration, nil
	case letterMicrocredit:
		return ParentKindMicrocredit, nil
	}
	return "", fmt.Errorf("unknown parent kind letter %q", string(letter))
}
