package scheduling

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PriorityService flags reservations to be seen ahead of the regular queue.
// It only writes the priority columns.
type PriorityService struct {
	reservations ReservationRepository
	logger       zerolog.Logger
}

func (p *PriorityService) SetPriority(ctx context.Context, id uuid.UUID, reason string) (*Reservation, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, invalid(nil, "reason", "is required to prioritise a patient")
	}
	r, err := p.update(ctx, id, func(r *Reservation) {
		r.IsPriority = true
		r.PriorityReason = &reason
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info().
		Str("reservation_id", id.String()).
		Str("reason", reason).
		Str("changed_by", actor(ctx)).
		Msg("reservation prioritised")
	return r, nil
}

func (p *PriorityService) ClearPriority(ctx context.Context, id uuid.UUID) (*Reservation, error) {
	r, err := p.update(ctx, id, func(r *Reservation) {
		r.IsPriority = false
		r.PriorityReason = nil
	})
	if err != nil {
		return nil, err
	}
	p.logger.Info().
		Str("reservation_id", id.String()).
		Str("changed_by", actor(ctx)).
		Msg("reservation priority cleared")
	return r, nil
}

func (p *PriorityService) update(ctx context.Context, id uuid.UUID, mutate func(r *Reservation)) (*Reservation, error) {
	r, err := p.reservations.GetByID(ctx, id)
	if err != nil {
		return nil, classify("get reservation", err)
	}
	if r.Status.IsTerminal() {
		return nil, fmt.Errorf("reservation is %s: %w", r.Status, ErrInvalidState)
	}
	mutate(r)
	if err := p.reservations.UpdatePriority(ctx, r); err != nil {
		return nil, classify("update priority", err)
	}
	return r, nil
}

// OrderForDisplay yields priority reservations first, then the rest, each
// group by ascending queue number. The input slice is not modified and the
// sequence can be ranged over any number of times.
func OrderForDisplay(reservations []*Reservation) iter.Seq[*Reservation] {
	ordered := slices.Clone(reservations)
	slices.SortStableFunc(ordered, func(a, b *Reservation) int {
		if a.IsPriority != b.IsPriority {
			if a.IsPriority {
				return -1
			}
			return 1
		}
		return a.QueueNumber - b.QueueNumber
	})
	return slices.Values(ordered)
}
