package selector

import (
	"context"

	"github.com/wisbric/strata/pkg/domain"
)

// FinalizeAdapter adapts a Selector to pkg/finalize.TargetSelector: finalize
// only needs a target picked, not attempted, since the Finalize Coordinator
// does its own copy-and-retry against whatever element comes back.
type FinalizeAdapter struct {
	sel *Selector
}

// NewFinalizeAdapter wraps sel for use as a finalize.TargetSelector.
func NewFinalizeAdapter(sel *Selector) *FinalizeAdapter {
	return &FinalizeAdapter{sel: sel}
}

// SelectFinalizeTarget picks an RW element for a file of the given size.
func (a *FinalizeAdapter) SelectFinalizeTarget(ctx context.Context, fileSize int64) (domain.StorageElement, error) {
	return a.sel.Select(ctx, domain.RetentionPermanent, fileSize, func(context.Context, domain.StorageElement) error {
		return nil
	})
}
