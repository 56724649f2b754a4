package handlers

import (
	"context"

	"github.com/rendis/tabula/internal/state"
	"github.com/rendis/tabula/pkg/schema"
)

// SetAttributeHandler writes a character sheet attribute. Registered as
// privileged-only: the pipeline rejects non-privileged requesters before
// validation runs. Parameters: character_id, attribute, value.
type SetAttributeHandler struct{}

func (h *SetAttributeHandler) ID() string { return "core.attribute.set" }

func (h *SetAttributeHandler) Validate(_ context.Context, req *schema.ActionRequest, view *state.View) (*schema.ValidationResult, error) {
	characterID, fail := paramString(req, "character_id")
	if fail != nil {
		return fail, nil
	}
	if _, fail := paramString(req, "attribute"); fail != nil {
		return fail, nil
	}
	if _, ok := req.Parameters["value"]; !ok {
		return schema.Fail(schema.ErrCodeValidationFailure, "missing parameter %q", "value"), nil
	}
	if !view.Has("/characters/" + characterID) {
		return schema.Fail(schema.ErrCodeValidationFailure, "character %q does not exist", characterID), nil
	}
	return schema.Pass(), nil
}

func (h *SetAttributeHandler) Execute(_ context.Context, req *schema.ActionRequest, tx *state.Txn) error {
	characterID, _ := req.Parameters["character_id"].(string)
	attribute, _ := req.Parameters["attribute"].(string)
	return tx.Set("/characters/"+characterID+"/attributes/"+attribute, req.Parameters["value"])
}

var (
	_ Validator = (*SetAttributeHandler)(nil)
	_ Executor  = (*SetAttributeHandler)(nil)
)
