package models

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// AssigneeKind tags the variant held by an AssigneeCondition
type AssigneeKind string

const (
	AssigneeAny           AssigneeKind = "any"
	AssigneeAssigned      AssigneeKind = "assigned"
	AssigneeUnassigned    AssigneeKind = "unassigned"
	AssigneeSpecificUsers AssigneeKind = "users"
)

// AssigneeCondition is one of Any, Assigned, Unassigned or SpecificUsers.
// The zero value behaves as Any.
type AssigneeCondition struct {
	Kind  AssigneeKind
	Users []string
}

// AnyAssignee matches every issue
func AnyAssignee() AssigneeCondition { return AssigneeCondition{Kind: AssigneeAny} }

// AssignedOnly matches issues with at least one assignee
func AssignedOnly() AssigneeCondition { return AssigneeCondition{Kind: AssigneeAssigned} }

// UnassignedOnly matches issues nobody is assigned to
func UnassignedOnly() AssigneeCondition { return AssigneeCondition{Kind: AssigneeUnassigned} }

// SpecificUsers matches issues assigned to any of logins, compared
// case-insensitively
func SpecificUsers(logins ...string) AssigneeCondition {
	return AssigneeCondition{Kind: AssigneeSpecificUsers, Users: logins}
}

// ParseAssigneeCondition accepts "any", "assigned", "unassigned" or a
// comma-separated list of logins.
func ParseAssigneeCondition(s string) AssigneeCondition {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(AssigneeAny):
		return AnyAssignee()
	case string(AssigneeAssigned):
		return AssignedOnly()
	case string(AssigneeUnassigned):
		return UnassignedOnly()
	}

	var logins []string
	for _, login := range strings.Split(s, ",") {
		if login = strings.TrimSpace(login); login != "" {
			logins = append(logins, login)
		}
	}
	return SpecificUsers(logins...)
}

func (c AssigneeCondition) String() string {
	if c.Kind == AssigneeSpecificUsers {
		return strings.Join(c.Users, ",")
	}
	if c.Kind == "" {
		return string(AssigneeAny)
	}
	return string(c.Kind)
}

type assigneeJSON struct {
	Kind  AssigneeKind `json:"kind"`
	Users []string     `json:"users,omitempty"`
}

// MarshalJSON stores the condition in the form used by the rules table
func (c AssigneeCondition) MarshalJSON() ([]byte, error) {
	kind := c.Kind
	if kind == "" {
		kind = AssigneeAny
	}
	users := append([]string(nil), c.Users...)
	sort.Strings(users)
	return json.Marshal(assigneeJSON{Kind: kind, Users: users})
}

// UnmarshalJSON reads a condition written by MarshalJSON
func (c *AssigneeCondition) UnmarshalJSON(data []byte) error {
	var v assigneeJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("invalid assignee condition: %w", err)
	}
	switch v.Kind {
	case AssigneeAny, AssigneeAssigned, AssigneeUnassigned, AssigneeSpecificUsers:
	default:
		return fmt.Errorf("unknown assignee condition kind %q", v.Kind)
	}
	c.Kind = v.Kind
	c.Users = v.Users
	return nil
}
