package schema

import (
	"errors"
	"fmt"
	"strings"
)

var (
	errUnknownProfile = errors.New("schema: unknown profile")
	errUnknownAction  = errors.New("schema: unknown action")
)

// Profile is the permission level of a user. Levels are ordered.
type Profile int

const (
	ProfileNone Profile = iota
	ProfileUser
	ProfileSupervisor
	ProfileAdministrator
)

var profileNames = map[Profile]string{
	ProfileNone:          "None",
	ProfileUser:          "User",
	ProfileSupervisor:    "Supervisor",
	ProfileAdministrator: "Administrator",
}

func (p Profile) String() string {
	if name, ok := profileNames[p]; ok {
		return name
	}
	return fmt.Sprintf("Profile(%d)", int(p))
}

// ParseProfile accepts a profile name in any case.
func ParseProfile(raw string) (Profile, error) {
	trimmed := strings.TrimSpace(raw)
	for profile, name := range profileNames {
		if strings.EqualFold(name, trimmed) {
			return profile, nil
		}
	}
	return ProfileNone, fmt.Errorf("%w: %q", errUnknownProfile, raw)
}

// Action is a mutation kind, plus Read for visibility rules.
type Action string

const (
	ActionRead   Action = "Read"
	ActionCreate Action = "Create"
	ActionUpdate Action = "Update"
	ActionDelete Action = "Delete"
)

// ParseAction accepts an action name in any case.
func ParseAction(raw string) (Action, error) {
	trimmed := strings.TrimSpace(raw)
	for _, action := range []Action{ActionRead, ActionCreate, ActionUpdate, ActionDelete} {
		if strings.EqualFold(string(action), trimmed) {
			return action, nil
		}
	}
	return "", fmt.Errorf("%w: %q", errUnknownAction, raw)
}

// IsMutation reports whether the action changes data.
func (a Action) IsMutation() bool {
	return a == ActionCreate || a == ActionUpdate || a == ActionDelete
}

// Subject is who an access decision is made for.
type Subject struct {
	CustomerID int64
	UserID     string
	Profile    Profile
	Area       string
}
