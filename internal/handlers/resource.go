package handlers

import (
	"context"
	"fmt"

	"github.com/rendis/tabula/internal/state"
	"github.com/rendis/tabula/pkg/schema"
)

// OriginLister supplies the currently loaded extension origins, in load
// order, for extension-scoped resource resolution. Satisfied by the
// extension manager.
type OriginLister interface {
	Origins() []string
}

// noOrigins is the zero OriginLister used when no extension support is wired.
type noOrigins struct{}

func (noOrigins) Origins() []string { return nil }

// SpendResourceHandler decrements a named resource after checking
// affordability. Resource costs are advisory to the engine; this handler is
// where enforcement actually lives. Parameters: owner_id, resource, amount.
type SpendResourceHandler struct {
	origins OriginLister
}

// NewSpendResourceHandler creates the handler. origins may be nil.
func NewSpendResourceHandler(origins OriginLister) *SpendResourceHandler {
	if origins == nil {
		origins = noOrigins{}
	}
	return &SpendResourceHandler{origins: origins}
}

func (h *SpendResourceHandler) ID() string { return "core.resource.spend" }

func (h *SpendResourceHandler) Validate(_ context.Context, req *schema.ActionRequest, view *state.View) (*schema.ValidationResult, error) {
	ownerID, fail := paramString(req, "owner_id")
	if fail != nil {
		return fail, nil
	}
	name, fail := paramString(req, "resource")
	if fail != nil {
		return fail, nil
	}
	amount, fail := paramFloat(req, "amount")
	if fail != nil {
		return fail, nil
	}
	if amount <= 0 {
		return schema.Fail(schema.ErrCodeValidationFailure, "amount must be positive"), nil
	}

	res, ok := ResolveResource(view, ownerID, name, h.origins.Origins())
	if !ok {
		return schema.Fail(schema.ErrCodeValidationFailure,
			"%s has no resource %q", ownerID, name), nil
	}
	if res.Amount < amount {
		return schema.Fail(schema.ErrCodeValidationFailure,
			"insufficient %s: have %.0f, need %.0f", name, res.Amount, amount), nil
	}

	return schema.PassWithCosts(schema.ResourceCost{
		Path:   res.Path,
		Amount: amount,
		Store:  schema.CostStorePermanent,
	}), nil
}

func (h *SpendResourceHandler) Execute(_ context.Context, req *schema.ActionRequest, tx *state.Txn) error {
	ownerID, _ := req.Parameters["owner_id"].(string)
	name, _ := req.Parameters["resource"].(string)
	amount, _ := paramFloat(req, "amount")

	// Resolve against the draft so stacked spends in one pipeline compound.
	res, ok := ResolveResource(tx.View(), ownerID, name, h.origins.Origins())
	if !ok {
		return schema.NewErrorf(schema.ErrCodeExecutionFailure,
			"resource %q vanished between validate and execute", name).WithHandler(h.ID())
	}
	return tx.Set(res.Path, res.Amount-amount)
}

func (h *SpendResourceHandler) ApprovalMessage(req *schema.ActionRequest, _ *state.View) string {
	name, _ := req.Parameters["resource"].(string)
	amount, _ := paramFloat(req, "amount")
	return fmt.Sprintf("%s wants to spend %.0f %s", req.RequesterID, amount, name)
}

var (
	_ Validator         = (*SpendResourceHandler)(nil)
	_ Executor          = (*SpendResourceHandler)(nil)
	_ ApprovalMessenger = (*SpendResourceHandler)(nil)
)
