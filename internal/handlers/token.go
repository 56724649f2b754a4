package handlers

import (
	"context"
	"fmt"
	"math"

	"github.com/rendis/tabula/internal/state"
	"github.com/rendis/tabula/pkg/schema"
)

// DefaultMoveLimit is the per-action movement allowance for tokens that do
// not declare their own speed.
const DefaultMoveLimit = 6

// MoveTokenHandler is the core movement rule: it validates that the
// requested destination is within the token's movement allowance and stages
// the position write. Parameters: token_id, x, y.
type MoveTokenHandler struct {
	MoveLimit float64
}

// NewMoveTokenHandler creates the handler with the default movement limit.
func NewMoveTokenHandler() *MoveTokenHandler {
	return &MoveTokenHandler{MoveLimit: DefaultMoveLimit}
}

func (h *MoveTokenHandler) ID() string { return "core.token.move" }

func (h *MoveTokenHandler) Validate(_ context.Context, req *schema.ActionRequest, view *state.View) (*schema.ValidationResult, error) {
	tokenID, fail := paramString(req, "token_id")
	if fail != nil {
		return fail, nil
	}
	x, fail := paramFloat(req, "x")
	if fail != nil {
		return fail, nil
	}
	y, fail := paramFloat(req, "y")
	if fail != nil {
		return fail, nil
	}

	base := "/tokens/" + tokenID
	if !view.Has(base) {
		return schema.Fail(schema.ErrCodeValidationFailure, "token %q does not exist", tokenID), nil
	}

	curX, _ := view.Float(base + "/x")
	curY, _ := view.Float(base + "/y")
	limit := h.MoveLimit
	if speed, ok := view.Float(base + "/speed"); ok {
		limit = speed
	}

	// Grid distance: diagonal steps count as one.
	distance := math.Max(math.Abs(x-curX), math.Abs(y-curY))
	if distance > limit {
		return schema.Fail(schema.ErrCodeValidationFailure,
			"token %q cannot move %.0f squares (limit %.0f)", tokenID, distance, limit), nil
	}

	return schema.PassWithCosts(schema.ResourceCost{
		Path:   base + "/resources/movement",
		Amount: distance,
		Store:  schema.CostStoreTransient,
	}), nil
}

func (h *MoveTokenHandler) Execute(_ context.Context, req *schema.ActionRequest, tx *state.Txn) error {
	tokenID, fail := paramString(req, "token_id")
	if fail != nil {
		return schema.NewError(schema.ErrCodeExecutionFailure, fail.Failure.Message).WithHandler(h.ID())
	}
	x, _ := paramFloat(req, "x")
	y, _ := paramFloat(req, "y")

	base := "/tokens/" + tokenID
	if err := tx.Set(base+"/x", x); err != nil {
		return err
	}
	return tx.Set(base+"/y", y)
}

func (h *MoveTokenHandler) ApprovalMessage(req *schema.ActionRequest, _ *state.View) string {
	tokenID, _ := req.Parameters["token_id"].(string)
	return fmt.Sprintf("%s wants to move token %s", req.RequesterID, tokenID)
}

var (
	_ Validator         = (*MoveTokenHandler)(nil)
	_ Executor          = (*MoveTokenHandler)(nil)
	_ ApprovalMessenger = (*MoveTokenHandler)(nil)
)
