package domain

import (
	"fmt"
	"net/http"
	"strings"
)

// ResourceType is a protocol engine resource.
type ResourceType string

const (
	ResourceUser  ResourceType = "User"
	ResourceGroup ResourceType = "Group"
)

// ParseResourceType accepts "user", "Users", "group", ...
func ParseResourceType(s string) (ResourceType, error) {
	switch strings.TrimSuffix(strings.ToLower(strings.TrimSpace(s)), "s") {
	case "user":
		return ResourceUser, nil
	case "group":
		return ResourceGroup, nil
	}
	return "", fmt.Errorf("unknown resource type %q", s)
}

// Collection returns the REST collection path segment, e.g. "Users".
func (r ResourceType) Collection() string { return string(r) + "s" }

// Operation is a CRUD action invoked by listener-triggered events.
type Operation string

const (
	OpCreate Operation = "create"
	OpModify Operation = "modify"
	OpDelete Operation = "delete"
)

// ParseOperation validates a raw operation name.
func ParseOperation(s string) (Operation, error) {
	switch Operation(strings.ToLower(strings.TrimSpace(s))) {
	case OpCreate, "":
		return OpCreate, nil
	case OpModify:
		return OpModify, nil
	case OpDelete:
		return OpDelete, nil
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// HTTPMethod is the method the protocol engine exposes for the operation.
func (o Operation) HTTPMethod() string {
	switch o {
	case OpModify:
		return http.MethodPatch
	case OpDelete:
		return http.MethodDelete
	default:
		return http.MethodPost
	}
}

// Direction selects which way an attribute mapping is applied.
type Direction string

const (
	// Inbound maps external records into the gateway's resource shape.
	Inbound Direction = "inbound"
	// Outbound maps resources into an external record shape.
	Outbound Direction = "outbound"
)
