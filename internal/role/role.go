package role

import "errors"

var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrLayerLocked      = errors.New("layer is locked")
	ErrLayerNotOwned    = errors.New("layer is owned by another member")
)

// A member's permission tier. Lower values carry more privilege.
type Role int

const (
	Owner       Role = 1
	Contributor Role = 2
	Watcher     Role = 3
)

func (r Role) String() string {
	switch r {
	case Owner:
		return "sessionOwner"
	case Contributor:
		return "contributor"
	case Watcher:
		return "watcher"
	default:
		return "unknown"
	}
}

// Parse maps a wire name back to a Role. Unknown names come back as Watcher
// so a malformed remote message can never grant privilege.
func Parse(name string) Role {
	switch name {
	case "sessionOwner":
		return Owner
	case "contributor":
		return Contributor
	default:
		return Watcher
	}
}

// RequireOwner rejects any role other than Owner.
func RequireOwner(r Role) error {
	if r != Owner {
		return ErrPermissionDenied
	}
	return nil
}

// RequireContributor rejects roles below Contributor.
func RequireContributor(r Role) error {
	if r > Contributor {
		return ErrPermissionDenied
	}
	return nil
}
