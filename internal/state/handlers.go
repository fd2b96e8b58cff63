package state

import (
	"fmt"

	"go.uber.org/zap"
)

const unknownName = "Unknown"

// mutate runs fn under the write lock and bumps the revision when it changed anything.
func (r *Reconciler) mutate(event EventType, fn func(*Effect)) (Effect, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return Effect{Event: event}, ErrDisposed
	}
	eff := Effect{Event: event}
	fn(&eff)
	if eff.Changed {
		r.revision++
	}
	if len(eff.Skipped) > 0 {
		r.log.Warn("event partially skipped",
			zap.String("event", string(event)),
			zap.Strings("skipped", eff.Skipped))
	}
	return eff, nil
}

// MakerCheckedIn inserts a maker or updates the existing one in place.
func (r *Reconciler) MakerCheckedIn(p MakerPayload) (Effect, error) {
	return r.mutate(EventMakerCheckedIn, func(eff *Effect) {
		if p.ID == "" {
			eff.skip("maker: missing id")
			return
		}
		id := string(p.ID)
		i := r.makerIndex(id)
		if i < 0 {
			m := Maker{ID: id, ExternalLabel: p.ExternalLabel, Status: p.Status}
			if p.DisplayName != nil {
				m.DisplayName = *p.DisplayName
			}
			if m.Status == "" {
				m.Status = MakerIdle
			}
			r.makers = append(r.makers, m)
		} else {
			r.updateMaker(i, &p, "")
		}
		delete(r.departed, id)
		r.touchMaker(id)
		eff.Changed = true
	})
}

// StationEntered records a maker taking a station.
func (r *Reconciler) StationEntered(ev StationEvent) (Effect, error) {
	return r.mutate(EventStationEntered, func(eff *Effect) {
		makerID, stationID := r.eventIDs(eff, ev.Maker, ev.Station)
		if makerID == "" && stationID == "" {
			return
		}

		si := -1
		if stationID != "" {
			si = r.upsertStation(ev.Station)
			st := &r.stations[si]
			st.Status = ev.Station.status(StationInUse)
			if st.AssignedMakerID != nil && !st.Status.occupied() {
				st.Status = StationInUse
			}
			r.touchStation(stationID)
		}
		mi := -1
		if makerID != "" {
			mi = r.upsertMaker(ev.Maker)
			r.updateMaker(mi, ev.Maker, MakerActive)
			r.touchMaker(makerID)
		}
		eff.Changed = true
		if mi < 0 || si < 0 {
			return
		}

		r.releaseStationsHeldBy(eff, makerID, stationID)
		if prev := r.stations[si].AssignedMakerID; prev != nil && *prev != makerID {
			r.releaseMakerAt(*prev, stationID)
			eff.release(stationID, *prev)
		}
		m := &r.makers[mi]
		st := &r.stations[si]
		m.assign(st.ID, st.Name)
		st.assign(m.ID, m.DisplayName)
		eff.Entered = &Assignment{StationID: stationID, MakerID: makerID}
	})
}

// StationLeft records a maker leaving a station.
func (r *Reconciler) StationLeft(ev StationEvent) (Effect, error) {
	return r.mutate(EventStationLeft, func(eff *Effect) {
		makerID, stationID := r.eventIDs(eff, ev.Maker, ev.Station)

		if stationID != "" {
			si := r.stationIndex(stationID)
			if si < 0 {
				eff.skip(fmt.Sprintf("station %s: unknown", stationID))
			} else {
				st := &r.stations[si]
				prev := copyStr(st.AssignedMakerID)
				st.release(ev.Station.status(StationAvailable))
				if ev.Station.Name != nil {
					st.Name = *ev.Station.Name
				}
				if prev != nil {
					if *prev != makerID {
						r.releaseMakerAt(*prev, stationID)
					}
					eff.release(stationID, *prev)
				}
				r.touchStation(stationID)
				eff.Changed = true
			}
		}

		if makerID != "" {
			mi := r.makerIndex(makerID)
			if mi < 0 {
				eff.skip(fmt.Sprintf("maker %s: unknown", makerID))
				return
			}
			r.updateMaker(mi, ev.Maker, MakerIdle)
			r.releaseStationsHeldBy(eff, makerID, stationID)
			r.makers[mi].release()
			r.touchMaker(makerID)
			eff.Changed = true
		}
	})
}

// ViolationDetected marks the maker and station and prepends the violation record.
func (r *Reconciler) ViolationDetected(ev ViolationEvent) (Effect, error) {
	return r.mutate(EventViolationDetected, func(eff *Effect) {
		makerID, stationID := r.eventIDs(eff, ev.Maker, ev.Station)

		mi, si := -1, -1
		if makerID != "" {
			if mi = r.makerIndex(makerID); mi >= 0 {
				r.updateMaker(mi, ev.Maker, MakerViolation)
				r.touchMaker(makerID)
				eff.Changed = true
			}
		}
		if stationID != "" {
			if si = r.stationIndex(stationID); si >= 0 {
				st := &r.stations[si]
				st.Status = StationViolation
				// An assigned station keeps an occupied status.
				if ev.Station.Status != "" && (st.AssignedMakerID == nil || ev.Station.Status.occupied()) {
					st.Status = ev.Station.Status
				}
				if ev.Station.Name != nil {
					st.Name = *ev.Station.Name
				}
				r.touchStation(stationID)
				eff.Changed = true
			}
		}

		// Fill whichever side the event omitted from the current assignment.
		if makerID == "" && si >= 0 && r.stations[si].AssignedMakerID != nil {
			makerID = *r.stations[si].AssignedMakerID
			mi = r.makerIndex(makerID)
		}
		if stationID == "" && mi >= 0 && r.makers[mi].StationID != nil {
			stationID = *r.makers[mi].StationID
			si = r.stationIndex(stationID)
		}

		vp := ev.Violation
		switch {
		case vp == nil:
			eff.skip("violation: missing payload")
			return
		case vp.ID == "":
			eff.skip("violation: missing id")
			return
		case r.violationIndex(string(vp.ID)) >= 0:
			eff.skip(fmt.Sprintf("violation %s: duplicate", vp.ID))
			return
		}

		name := unknownName
		switch {
		case ev.Maker != nil && ev.Maker.DisplayName != nil:
			name = *ev.Maker.DisplayName
		case mi >= 0:
			name = r.makers[mi].DisplayName
		}
		location := unknownName
		switch {
		case ev.Station != nil && ev.Station.Name != nil:
			location = *ev.Station.Name
		case si >= 0:
			location = r.stations[si].Name
		}

		v := r.newViolation(string(vp.ID), makerID, stationID, vp.ViolationType, vp.CreatedAt, vp.ImageURL, name, location, r.now().UTC())
		r.violations = append([]Violation{v}, r.violations...)
		r.recent = append(r.recent, v)
		rec := v.clone()
		eff.Violation = &rec
		eff.Changed = true
	})
}

// MakerStatusUpdated sets a known maker's status.
func (r *Reconciler) MakerStatusUpdated(p StatusPayload) (Effect, error) {
	return r.mutate(EventMakerStatusUpdated, func(eff *Effect) {
		switch {
		case p.ID == "":
			eff.skip("maker: missing id")
			return
		case p.Status == "":
			eff.skip(fmt.Sprintf("maker %s: missing status", p.ID))
			return
		}
		i := r.makerIndex(string(p.ID))
		if i < 0 {
			eff.skip(fmt.Sprintf("maker %s: unknown", p.ID))
			return
		}
		r.makers[i].Status = p.Status
		r.touchMaker(string(p.ID))
		eff.Changed = true
	})
}

// MakerCheckedOut removes the maker and frees any station it held.
func (r *Reconciler) MakerCheckedOut(p CheckoutPayload) (Effect, error) {
	return r.mutate(EventMakerCheckedOut, func(eff *Effect) {
		if p.ID == "" {
			eff.skip("maker: missing id")
			return
		}
		id := string(p.ID)
		r.releaseStationsHeldBy(eff, id, "")
		if i := r.makerIndex(id); i >= 0 {
			r.makers = append(r.makers[:i], r.makers[i+1:]...)
			eff.Changed = true
		}
		delete(r.touchedMakers, id)
		r.departed[id] = struct{}{}
	})
}

// SystemReset clears every collection, as the upstream does on reset.
func (r *Reconciler) SystemReset() (Effect, error) {
	return r.mutate(EventSystemReset, func(eff *Effect) {
		r.clear()
		eff.Changed = true
	})
}

// eventIDs extracts the maker and station ids, noting absent ids of present objects.
func (r *Reconciler) eventIDs(eff *Effect, mp *MakerPayload, sp *StationPayload) (makerID, stationID string) {
	if mp != nil {
		if mp.ID == "" {
			eff.skip("maker: missing id")
		} else {
			makerID = string(mp.ID)
		}
	}
	if sp != nil {
		if sp.ID == "" {
			eff.skip("station: missing id")
		} else {
			stationID = string(sp.ID)
		}
	}
	if mp == nil && sp == nil {
		eff.skip("payload: no maker or station")
	}
	return makerID, stationID
}

func (r *Reconciler) upsertMaker(p *MakerPayload) int {
	if i := r.makerIndex(string(p.ID)); i >= 0 {
		return i
	}
	m := Maker{ID: string(p.ID), ExternalLabel: p.ExternalLabel, Status: MakerIdle}
	if p.DisplayName != nil {
		m.DisplayName = *p.DisplayName
	}
	delete(r.departed, m.ID)
	r.makers = append(r.makers, m)
	return len(r.makers) - 1
}

func (r *Reconciler) upsertStation(p *StationPayload) int {
	if i := r.stationIndex(string(p.ID)); i >= 0 {
		if p.Name != nil {
			r.renameStation(i, *p.Name)
		}
		return i
	}
	st := Station{ID: string(p.ID), Status: StationAvailable}
	if p.Name != nil {
		st.Name = *p.Name
	}
	r.stations = append(r.stations, st)
	return len(r.stations) - 1
}

// updateMaker applies the payload's status (or def when non-empty) and name to makers[i].
func (r *Reconciler) updateMaker(i int, p *MakerPayload, def MakerStatus) {
	m := &r.makers[i]
	switch {
	case p.Status != "":
		m.Status = p.Status
	case def != "":
		m.Status = def
	}
	if p.ExternalLabel != "" {
		m.ExternalLabel = p.ExternalLabel
	}
	if p.DisplayName != nil && *p.DisplayName != m.DisplayName {
		m.DisplayName = *p.DisplayName
		for j := range r.stations {
			if r.stations[j].heldBy(m.ID) {
				r.stations[j].AssignedMakerName = strPtr(m.DisplayName)
			}
		}
	}
}

func (r *Reconciler) renameStation(i int, name string) {
	st := &r.stations[i]
	if st.Name == name {
		return
	}
	st.Name = name
	for j := range r.makers {
		if r.makers[j].at(st.ID) {
			r.makers[j].StationName = strPtr(name)
		}
	}
}

// releaseStationsHeldBy frees every station other than except that makerID holds.
func (r *Reconciler) releaseStationsHeldBy(eff *Effect, makerID, except string) {
	for i := range r.stations {
		st := &r.stations[i]
		if st.ID == except || !st.heldBy(makerID) {
			continue
		}
		st.release(StationAvailable)
		r.touchStation(st.ID)
		eff.release(st.ID, makerID)
	}
}

// releaseMakerAt clears makerID's station fields if they still point at stationID.
func (r *Reconciler) releaseMakerAt(makerID, stationID string) {
	if i := r.makerIndex(makerID); i >= 0 && r.makers[i].at(stationID) {
		r.makers[i].release()
		r.touchMaker(makerID)
	}
}
