package state

import (
	"encoding/json"
	"fmt"
)

// Apply decodes an event and routes it to its handler. Unknown event types and
// undecodable payloads are reported in Effect.Skipped and leave the state untouched.
func (r *Reconciler) Apply(ev Event) (Effect, error) {
	if r.Disposed() {
		return Effect{Event: ev.Type}, ErrDisposed
	}

	switch ev.Type {
	case EventMakerCheckedIn:
		var p MakerPayload
		if err := decode(ev.Data, &p); err != nil {
			return r.rejected(ev.Type, err)
		}
		return r.MakerCheckedIn(p)
	case EventMakerCheckedOut:
		var p CheckoutPayload
		if err := decode(ev.Data, &p); err != nil {
			return r.rejected(ev.Type, err)
		}
		return r.MakerCheckedOut(p)
	case EventStationEntered:
		var p StationEvent
		if err := decode(ev.Data, &p); err != nil {
			return r.rejected(ev.Type, err)
		}
		return r.StationEntered(p)
	case EventStationLeft:
		var p StationEvent
		if err := decode(ev.Data, &p); err != nil {
			return r.rejected(ev.Type, err)
		}
		return r.StationLeft(p)
	case EventViolationDetected:
		var p ViolationEvent
		if err := decode(ev.Data, &p); err != nil {
			return r.rejected(ev.Type, err)
		}
		return r.ViolationDetected(p)
	case EventMakerStatusUpdated:
		var p StatusPayload
		if err := decode(ev.Data, &p); err != nil {
			return r.rejected(ev.Type, err)
		}
		return r.MakerStatusUpdated(p)
	case EventSystemReset:
		return r.SystemReset()
	default:
		return r.rejected(ev.Type, fmt.Errorf("unknown event type %q", ev.Type))
	}
}

func (r *Reconciler) rejected(event EventType, err error) (Effect, error) {
	return r.mutate(event, func(eff *Effect) {
		eff.skip(err.Error())
	})
}

func decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("empty payload")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode payload: %w", err)
	}
	return nil
}
