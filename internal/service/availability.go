package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/reservalab/reserva-lab/api/internal/interval"
	"github.com/reservalab/reserva-lab/api/internal/lifecycle"
	"github.com/reservalab/reserva-lab/api/internal/models"
	"github.com/reservalab/reserva-lab/api/internal/store"
)

// AvailabilityService produces the merged calendar view of reservations and
// blocks for a resource over a window. Read-only; results are cached per
// resource until a lifecycle operation invalidates them.
type AvailabilityService struct {
	store store.Store
	clock Clock

	mu    sync.Mutex
	cache map[availabilityKey][]models.Event
}

type availabilityKey struct {
	resourceID string
	start      int64
	end        int64
}

func NewAvailabilityService(st store.Store, clock Clock) *AvailabilityService {
	if clock == nil {
		clock = RealClock{}
	}
	return &AvailabilityService{
		store: st,
		clock: clock,
		cache: make(map[availabilityKey][]models.Event),
	}
}

// Events lists every blocking reservation and block overlapping the window,
// clipped to it and sorted by start. Requires only basic authentication:
// resource schedules are organization-visible.
func (s *AvailabilityService) Events(ctx context.Context, resourceID string, winStart, winEnd time.Time) ([]models.Event, error) {
	if resourceID == "" {
		return nil, newValidationError("resource_id", "Select a resource.")
	}
	if !winEnd.After(winStart) {
		return nil, newValidationError("end", "The window end must be after its start.")
	}

	key := availabilityKey{resourceID: resourceID, start: winStart.UnixNano(), end: winEnd.UnixNano()}
	s.mu.Lock()
	if cached, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return cloneEvents(cached), nil
	}
	s.mu.Unlock()

	reservations, err := s.store.ListBlockingReservations(ctx, resourceID, winStart, winEnd)
	if err != nil {
		return nil, err
	}
	blocks, err := s.store.ListBlocks(ctx, resourceID, winStart, winEnd)
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	events := make([]models.Event, 0, len(reservations)+len(blocks))
	for _, r := range reservations {
		clipped, ok := interval.ClipToWindow(r.Start, r.End, winStart, winEnd)
		if !ok {
			continue
		}
		status := lifecycle.Derived(r.Status, r.End, now)
		label := r.Justification
		if label == "" {
			label = fmt.Sprintf("Reservation (%s)", status)
		}
		events = append(events, models.Event{
			ID:     "reservation-" + r.ID,
			Kind:   models.EventReservation,
			Start:  clipped.Start,
			End:    clipped.End,
			Label:  label,
			Status: string(status),
		})
	}
	for _, b := range blocks {
		clipped, ok := interval.ClipToWindow(b.Start, b.End, winStart, winEnd)
		if !ok {
			continue
		}
		events = append(events, models.Event{
			ID:     "block-" + b.ID,
			Kind:   models.EventBlock,
			Start:  clipped.Start,
			End:    clipped.End,
			Label:  "Blocked: " + b.Reason,
			Status: "BLOQUEADO",
		})
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].Start.Equal(events[j].Start) {
			return events[i].ID < events[j].ID
		}
		return events[i].Start.Before(events[j].Start)
	})

	s.mu.Lock()
	s.cache[key] = cloneEvents(events)
	s.mu.Unlock()

	return events, nil
}

// Invalidate drops every cached window for the resource.
func (s *AvailabilityService) Invalidate(resourceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.cache {
		if key.resourceID == resourceID {
			delete(s.cache, key)
		}
	}
}

func cloneEvents(events []models.Event) []models.Event {
	out := make([]models.Event, len(events))
	copy(out, events)
	return out
}
