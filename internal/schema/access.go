package schema

import (
	"strings"

	"github.com/MarcoPoloResearchLab/diffsync/internal/records"
)

// AccessRule grants actions to subjects matching a profile and area. Empty
// lists match anything except ProfileNone, which never matches. OwnerField,
// when set, further requires the record column to equal the subject user id.
type AccessRule struct {
	Profiles   []Profile
	Areas      []string
	Actions    []Action
	OwnerField string
}

func (AccessRule) Kind() string { return "access" }

func (r AccessRule) Describe() RuleDescription {
	profiles := make([]string, 0, len(r.Profiles))
	for _, profile := range r.Profiles {
		profiles = append(profiles, profile.String())
	}
	actions := make([]string, 0, len(r.Actions))
	for _, action := range r.Actions {
		actions = append(actions, string(action))
	}
	params := map[string]any{"profiles": profiles, "areas": r.Areas, "actions": actions}
	if r.OwnerField != "" {
		params["ownerField"] = r.OwnerField
	}
	return RuleDescription{Kind: r.Kind(), Params: params}
}

// Grants reports whether the rule allows subject to perform action on record.
func (r AccessRule) Grants(subject Subject, action Action, record records.Record) bool {
	if subject.Profile == ProfileNone {
		return false
	}
	if record.CustomerID != subject.CustomerID {
		return false
	}
	if !r.matches(subject, action) {
		return false
	}
	if r.OwnerField == "" {
		return true
	}
	owner, ok := record.Fields.String(r.OwnerField)
	return ok && owner == subject.UserID
}

// matches applies the profile, area and action filters only.
func (r AccessRule) matches(subject Subject, action Action) bool {
	if subject.Profile == ProfileNone {
		return false
	}
	if len(r.Profiles) > 0 && !containsProfile(r.Profiles, subject.Profile) {
		return false
	}
	if len(r.Areas) > 0 && !containsFold(r.Areas, subject.Area) {
		return false
	}
	if len(r.Actions) > 0 && !containsAction(r.Actions, action) {
		return false
	}
	return true
}

func anyGrants(rules []AccessRule, subject Subject, action Action, record records.Record) bool {
	for _, rule := range rules {
		if rule.Grants(subject, action, record) {
			return true
		}
	}
	return false
}

func containsProfile(values []Profile, target Profile) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func containsAction(values []Action, target Action) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}

func containsFold(values []string, target string) bool {
	for _, value := range values {
		if strings.EqualFold(value, target) {
			return true
		}
	}
	return false
}
