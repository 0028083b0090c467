package allocation

import (
	"fmt"
	"strings"
	"time"

	"farmapos/backend/internal/domain"
)

// ShortfallError reports that the eligible batches could not cover the
// requested quantity. Partial holds the segments that could be filled, for
// reporting only; a shortfall never commits anything.
type ShortfallError struct {
	Requested int
	Available int
	Partial   []domain.AllocationSegment
}

func (e *ShortfallError) Error() string {
	return fmt.Sprintf("allocation shortfall: requested %d, available %d", e.Requested, e.Available)
}

// Allocate walks the batches in the given order (nearest expiry first, as
// returned by the store) and takes min(remaining, on-hand) from each until
// the request is filled. It is pure: no I/O, no mutation of the input.
func Allocate(batches []domain.InventoryBatch, requested int) ([]domain.AllocationSegment, error) {
	if requested <= 0 {
		return nil, domain.InvalidQuantityError{Quantity: requested}
	}

	remaining := requested
	segments := make([]domain.AllocationSegment, 0, len(batches))
	for _, batch := range batches {
		if remaining == 0 {
			break
		}
		if batch.QuantityOnHand <= 0 {
			continue
		}
		take := remaining
		if take > batch.QuantityOnHand {
			take = batch.QuantityOnHand
		}
		segments = append(segments, domain.AllocationSegment{
			BatchID:   batch.ID,
			Quantity:  take,
			UnitPrice: batch.SellingPrice,
		})
		remaining -= take
	}

	if remaining > 0 {
		return nil, &ShortfallError{
			Requested: requested,
			Available: requested - remaining,
			Partial:   segments,
		}
	}
	return segments, nil
}

// CompareFEFO orders batches for consumption: nearest expiry first, batches
// without an expiry date last, ties broken by receipt time then ID so the
// order is deterministic.
func CompareFEFO(a domain.InventoryBatch, b domain.InventoryBatch) int {
	if a.ExpiryDate == nil && b.ExpiryDate != nil {
		return 1
	}
	if a.ExpiryDate != nil && b.ExpiryDate == nil {
		return -1
	}
	if a.ExpiryDate != nil && b.ExpiryDate != nil {
		if a.ExpiryDate.Before(*b.ExpiryDate) {
			return -1
		}
		if a.ExpiryDate.After(*b.ExpiryDate) {
			return 1
		}
	}
	if a.ReceivedAt.Before(b.ReceivedAt) {
		return -1
	}
	if a.ReceivedAt.After(b.ReceivedAt) {
		return 1
	}
	return strings.Compare(a.ID, b.ID)
}

// Eligible reports whether a batch may be consumed as of the given date.
// Expiry is compared at day granularity; a batch expiring on the sale date
// is still sellable that day.
func Eligible(batch domain.InventoryBatch, asOf time.Time) bool {
	if !batch.Active || batch.QuantityOnHand <= 0 {
		return false
	}
	if batch.ExpiryDate == nil {
		return true
	}
	return !DateUTC(*batch.ExpiryDate).Before(DateUTC(asOf))
}

// DateUTC truncates a timestamp to its UTC calendar date.
func DateUTC(t time.Time) time.Time {
	utc := t.UTC()
	return time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC)
}
