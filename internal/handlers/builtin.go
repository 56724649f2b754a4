package handlers

// Builtin action types.
const (
	ActionMoveToken     = "token.move"
	ActionSetAttribute  = "attribute.set"
	ActionSpendResource = "resource.spend"
	ActionAppendNote    = "note.append"
)

// RegisterBuiltins registers all built-in handlers in the given registry at
// origin "" and BuiltinPriority. origins may be nil when no extension
// manager is wired.
func RegisterBuiltins(reg *Registry, origins OriginLister) error {
	all := []Registration{
		{
			ActionType: ActionMoveToken,
			Priority:   BuiltinPriority,
			Handler:    NewMoveTokenHandler(),
		},
		{
			ActionType:     ActionSetAttribute,
			Priority:       BuiltinPriority,
			PrivilegedOnly: true,
			Handler:        &SetAttributeHandler{},
		},
		{
			ActionType: ActionSpendResource,
			Priority:   BuiltinPriority,
			Handler:    NewSpendResourceHandler(origins),
		},
		{
			ActionType: ActionAppendNote,
			Priority:   BuiltinPriority,
			Handler:    &AppendNoteHandler{},
		},
	}

	for _, r := range all {
		if err := reg.Register(r); err != nil {
			return err
		}
	}
	return nil
}
