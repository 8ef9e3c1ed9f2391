package policy

import (
	"embed"
	"fmt"
)

//go:embed roles/*.yaml
var defaultRoles embed.FS

// DefaultDocument returns the built-in base policy for role.
func DefaultDocument(role Role) (*Document, error) {
	data, err := DefaultDocumentBytes(role)
	if err != nil {
		return nil, err
	}
	doc, err := Load(data)
	if err != nil {
		return nil, &LoadError{Source: "builtin:" + string(role), Err: err}
	}
	return doc, nil
}

// DefaultDocumentBytes returns the raw YAML of the built-in policy for role.
func DefaultDocumentBytes(role Role) ([]byte, error) {
	if role.Rank() < 0 {
		return nil, fmt.Errorf("unknown role %q", role)
	}
	data, err := defaultRoles.ReadFile("roles/" + string(role) + ".yaml")
	if err != nil {
		return nil, &LoadError{Source: "builtin:" + string(role), Err: err}
	}
	return data, nil
}
