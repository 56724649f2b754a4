package handlers

import (
	"fmt"

	"github.com/rendis/tabula/internal/state"
)

// ResourceSource tags where a resolved resource lives.
type ResourceSource int

const (
	SourceNone ResourceSource = iota
	SourceCharacter
	SourceToken
	SourceExtension
)

func (s ResourceSource) String() string {
	switch s {
	case SourceCharacter:
		return "character"
	case SourceToken:
		return "token"
	case SourceExtension:
		return "extension"
	default:
		return "none"
	}
}

// Resource is the tagged result of a resource lookup: where it was found,
// the exact path to it, and its current amount.
type Resource struct {
	Source   ResourceSource
	OriginID string // set when Source is SourceExtension
	Path     string
	Amount   float64
}

// ResolveResource finds a named resource for an owner by trying each storage
// location in a fixed priority order: the owner's character document, then
// the owner's token, then each extension's scoped state in the given order.
// Every possible source is enumerated here; handlers never probe the tree
// ad hoc.
func ResolveResource(view *state.View, ownerID, name string, extensionOrigins []string) (Resource, bool) {
	path := fmt.Sprintf("/characters/%s/resources/%s", ownerID, name)
	if amount, ok := view.Float(path); ok {
		return Resource{Source: SourceCharacter, Path: path, Amount: amount}, true
	}

	path = fmt.Sprintf("/tokens/%s/resources/%s", ownerID, name)
	if amount, ok := view.Float(path); ok {
		return Resource{Source: SourceToken, Path: path, Amount: amount}, true
	}

	for _, origin := range extensionOrigins {
		path = fmt.Sprintf("/extensions/%s/resources/%s/%s", origin, ownerID, name)
		if amount, ok := view.Float(path); ok {
			return Resource{Source: SourceExtension, OriginID: origin, Path: path, Amount: amount}, true
		}
	}

	return Resource{Source: SourceNone}, false
}
