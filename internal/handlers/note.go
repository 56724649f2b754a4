package handlers

import (
	"context"

	"github.com/rendis/tabula/internal/state"
	"github.com/rendis/tabula/pkg/schema"
)

// AppendNoteHandler appends a session note, stamped with its author.
// Parameters: text.
type AppendNoteHandler struct{}

func (h *AppendNoteHandler) ID() string { return "core.note.append" }

func (h *AppendNoteHandler) Validate(_ context.Context, req *schema.ActionRequest, _ *state.View) (*schema.ValidationResult, error) {
	if _, fail := paramString(req, "text"); fail != nil {
		return fail, nil
	}
	return schema.Pass(), nil
}

func (h *AppendNoteHandler) Execute(_ context.Context, req *schema.ActionRequest, tx *state.Txn) error {
	text, _ := req.Parameters["text"].(string)

	notes, _ := tx.Get("/notes")
	list, _ := notes.([]any)
	appended := make([]any, 0, len(list)+1)
	appended = append(appended, list...)
	appended = append(appended, map[string]any{
		"text":   text,
		"author": req.RequesterID,
	})
	return tx.Set("/notes", appended)
}

var (
	_ Validator = (*AppendNoteHandler)(nil)
	_ Executor  = (*AppendNoteHandler)(nil)
)
