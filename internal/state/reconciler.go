package state

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/justinsiek/Maker-Safe/internal/format"
)

// ErrDisposed is returned by every mutator once the reconciler has been disposed.
var ErrDisposed = errors.New("state: reconciler disposed")

// Effect describes what an applied event changed, for persistence and alerting.
type Effect struct {
	Event     EventType
	Changed   bool
	Violation *Violation
	Entered   *Assignment
	Released  []Assignment
	Skipped   []string
}

func (e *Effect) skip(reason string) {
	e.Skipped = append(e.Skipped, reason)
}

func (e *Effect) release(stationID, makerID string) {
	e.Released = append(e.Released, Assignment{StationID: stationID, MakerID: makerID})
	e.Changed = true
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger used to report skipped event parts.
func WithLogger(l *zap.Logger) Option {
	return func(r *Reconciler) { r.log = l }
}

// WithLocation sets the timezone used for violation clock times.
func WithLocation(loc *time.Location) Option {
	return func(r *Reconciler) { r.loc = loc }
}

// WithClock overrides the clock used when a violation carries no usable timestamp.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// Reconciler owns the makers, stations and violations of one dashboard session.
// Mutators run to completion under the write lock; View hands out deep copies.
type Reconciler struct {
	mu         sync.RWMutex
	makers     []Maker
	stations   []Station
	violations []Violation
	loaded     bool
	loadErr    string
	revision   uint64
	disposed   bool

	// Bookkeeping since the last snapshot load, used to merge a late snapshot.
	touchedMakers   map[string]struct{}
	touchedStations map[string]struct{}
	departed        map[string]struct{}
	recent          []Violation

	log *zap.Logger
	loc *time.Location
	now func() time.Time
}

// New creates an empty Reconciler.
func New(opts ...Option) *Reconciler {
	r := &Reconciler{
		touchedMakers:   make(map[string]struct{}),
		touchedStations: make(map[string]struct{}),
		departed:        make(map[string]struct{}),
		log:             zap.NewNop(),
		loc:             time.UTC,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// View returns a copy of the current collections.
func (r *Reconciler) View() View {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v := View{
		Makers:     make([]Maker, len(r.makers)),
		Stations:   make([]Station, len(r.stations)),
		Violations: make([]Violation, len(r.violations)),
		Loaded:     r.loaded,
		LoadError:  r.loadErr,
		Revision:   r.revision,
	}
	for i, m := range r.makers {
		v.Makers[i] = m.clone()
		v.Makers[i].Initials = format.Initials(m.DisplayName)
	}
	for i, s := range r.stations {
		v.Stations[i] = s.clone()
	}
	for i, vi := range r.violations {
		v.Violations[i] = vi.clone()
	}
	return v
}

// Maker returns a copy of the maker with the given id.
func (r *Reconciler) Maker(id string) (Maker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.makerIndex(id); i >= 0 {
		m := r.makers[i].clone()
		m.Initials = format.Initials(m.DisplayName)
		return m, true
	}
	return Maker{}, false
}

// Station returns a copy of the station with the given id.
func (r *Reconciler) Station(id string) (Station, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i := r.stationIndex(id); i >= 0 {
		return r.stations[i].clone(), true
	}
	return Station{}, false
}

// Revision increases every time the collections change.
func (r *Reconciler) Revision() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.revision
}

// Dispose detaches the reconciler from its session. Later mutations are rejected.
func (r *Reconciler) Dispose() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disposed = true
}

// Disposed reports whether Dispose has been called.
func (r *Reconciler) Disposed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disposed
}

// FailLoad records a snapshot load failure without touching the collections.
func (r *Reconciler) FailLoad(err error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}
	r.loadErr = err.Error()
	r.revision++
	return nil
}

// Clear empties all collections.
func (r *Reconciler) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}
	r.clear()
	r.revision++
	return nil
}

func (r *Reconciler) clear() {
	r.makers = nil
	r.stations = nil
	r.violations = nil
	r.forget()
}

func (r *Reconciler) forget() {
	r.touchedMakers = make(map[string]struct{})
	r.touchedStations = make(map[string]struct{})
	r.departed = make(map[string]struct{})
	r.recent = nil
}

// LoadSnapshot replaces the collections with the snapshot, keeping whatever events
// changed since the previous load.
func (r *Reconciler) LoadSnapshot(s Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}

	makers, stations := mapSnapshotEntities(s)
	r.makers = r.mergeMakers(makers)
	r.stations = r.mergeStations(stations)
	r.resync()
	r.violations = r.mergeViolations(r.mapSnapshotViolations(s.Violations))

	r.forget()
	r.loaded = true
	r.loadErr = ""
	r.revision++
	return nil
}

func mapSnapshotEntities(s Snapshot) ([]Maker, []Station) {
	stationNames := make(map[string]string, len(s.Stations))
	for _, st := range s.Stations {
		stationNames[string(st.ID)] = st.Name
	}
	makerNames := make(map[string]string, len(s.Makers))
	for _, m := range s.Makers {
		makerNames[string(m.ID)] = m.DisplayName
	}

	seen := make(map[string]int)
	var makers []Maker
	for _, sm := range s.Makers {
		if sm.ID == "" {
			continue
		}
		m := Maker{
			ID:            string(sm.ID),
			DisplayName:   sm.DisplayName,
			ExternalLabel: sm.ExternalLabel,
			Status:        sm.Status,
		}
		if m.Status == "" {
			m.Status = MakerIdle
		}
		if sm.StationID != "" {
			m.assign(string(sm.StationID), stationNames[string(sm.StationID)])
		}
		if i, dup := seen[m.ID]; dup {
			makers[i] = m
			continue
		}
		seen[m.ID] = len(makers)
		makers = append(makers, m)
	}

	seen = make(map[string]int)
	var stations []Station
	for _, ss := range s.Stations {
		if ss.ID == "" {
			continue
		}
		st := Station{ID: string(ss.ID), Name: ss.Name}
		switch {
		case ss.Status != "":
			st.Status = ss.Status
		case ss.InUse != nil && *ss.InUse:
			st.Status = StationInUse
		case ss.ActiveMakerID != "":
			st.Status = StationInUse
		default:
			st.Status = StationAvailable
		}
		if ss.ActiveMakerID != "" {
			st.assign(string(ss.ActiveMakerID), makerNames[string(ss.ActiveMakerID)])
		}
		if i, dup := seen[st.ID]; dup {
			stations[i] = st
			continue
		}
		seen[st.ID] = len(stations)
		stations = append(stations, st)
	}
	return makers, stations
}

func (r *Reconciler) mergeMakers(snap []Maker) []Maker {
	merged := make([]Maker, 0, len(snap))
	inSnap := make(map[string]struct{}, len(snap))
	for _, m := range snap {
		inSnap[m.ID] = struct{}{}
		if _, gone := r.departed[m.ID]; gone {
			continue
		}
		if _, touched := r.touchedMakers[m.ID]; touched {
			if i := r.makerIndex(m.ID); i >= 0 {
				merged = append(merged, r.makers[i])
				continue
			}
		}
		merged = append(merged, m)
	}
	for _, m := range r.makers {
		if _, ok := inSnap[m.ID]; ok {
			continue
		}
		if _, touched := r.touchedMakers[m.ID]; touched {
			merged = append(merged, m)
		}
	}
	return merged
}

func (r *Reconciler) mergeStations(snap []Station) []Station {
	merged := make([]Station, 0, len(snap))
	inSnap := make(map[string]struct{}, len(snap))
	for _, st := range snap {
		inSnap[st.ID] = struct{}{}
		if _, touched := r.touchedStations[st.ID]; touched {
			if i := r.stationIndex(st.ID); i >= 0 {
				merged = append(merged, r.stations[i])
				continue
			}
		}
		merged = append(merged, st)
	}
	for _, st := range r.stations {
		if _, ok := inSnap[st.ID]; ok {
			continue
		}
		if _, touched := r.touchedStations[st.ID]; touched {
			merged = append(merged, st)
		}
	}
	return merged
}

// resync restores the maker/station cross references after a merge.
func (r *Reconciler) resync() {
	for i := range r.stations {
		st := &r.stations[i]
		if st.AssignedMakerID == nil {
			continue
		}
		mi := r.makerIndex(*st.AssignedMakerID)
		if mi < 0 {
			st.release(StationAvailable)
			continue
		}
		m := &r.makers[mi]
		if m.StationID == nil {
			m.assign(st.ID, st.Name)
		}
		if !m.at(st.ID) {
			st.release(StationAvailable)
			continue
		}
		st.assign(m.ID, m.DisplayName)
	}
	for i := range r.makers {
		m := &r.makers[i]
		if m.StationID == nil {
			continue
		}
		si := r.stationIndex(*m.StationID)
		if si < 0 {
			continue
		}
		st := &r.stations[si]
		switch {
		case st.heldBy(m.ID):
			m.assign(st.ID, st.Name)
		case st.AssignedMakerID == nil:
			m.assign(st.ID, st.Name)
			st.assign(m.ID, m.DisplayName)
		default:
			m.release()
		}
	}
}

func (r *Reconciler) mapSnapshotViolations(rows []SnapshotViolation) []Violation {
	seen := make(map[string]struct{}, len(rows))
	out := make([]Violation, 0, len(rows))
	for _, row := range rows {
		if row.ID == "" {
			continue
		}
		if _, dup := seen[string(row.ID)]; dup {
			continue
		}
		seen[string(row.ID)] = struct{}{}
		out = append(out, r.newViolation(
			string(row.ID), string(row.MakerID), string(row.StationID),
			row.ViolationType, row.CreatedAt, row.ImageURL,
			row.MakerName, row.StationName,
			r.knownCreatedAt(string(row.ID)),
		))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

func (r *Reconciler) mergeViolations(snap []Violation) []Violation {
	inSnap := make(map[string]struct{}, len(snap))
	for _, v := range snap {
		inSnap[v.ID] = struct{}{}
	}
	merged := make([]Violation, 0, len(snap)+len(r.recent))
	for i := len(r.recent) - 1; i >= 0; i-- {
		if _, ok := inSnap[r.recent[i].ID]; !ok {
			merged = append(merged, r.recent[i])
		}
	}
	return append(merged, snap...)
}

// knownCreatedAt is the timestamp a snapshot row with an unusable created_at gets:
// the one already held for that id, or the zero time, which sorts last.
func (r *Reconciler) knownCreatedAt(id string) time.Time {
	if i := r.violationIndex(id); i >= 0 {
		return r.violations[i].CreatedAt
	}
	return time.Time{}
}

// newViolation builds a record; fallback replaces an unparseable createdAt.
func (r *Reconciler) newViolation(id, makerID, stationID, code, createdAt string, imageURL *string, name, location string, fallback time.Time) Violation {
	ts, err := format.ParseTimestamp(createdAt)
	if err != nil {
		r.log.Warn("violation timestamp unusable",
			zap.String("violation_id", id), zap.Time("fallback", fallback), zap.Error(err))
		ts = fallback
	}
	return Violation{
		ID:        id,
		MakerID:   makerID,
		StationID: stationID,
		Type:      code,
		CreatedAt: ts,
		ImageURL:  copyStr(imageURL),
		Name:      name,
		Location:  location,
		Label:     format.ViolationLabel(code),
		Severity:  format.Severity(code),
		Time:      format.ClockTime(ts, r.loc),
	}
}

func (r *Reconciler) makerIndex(id string) int {
	for i := range r.makers {
		if r.makers[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) stationIndex(id string) int {
	for i := range r.stations {
		if r.stations[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) violationIndex(id string) int {
	for i := range r.violations {
		if r.violations[i].ID == id {
			return i
		}
	}
	return -1
}

func (r *Reconciler) touchMaker(id string) {
	r.touchedMakers[id] = struct{}{}
}

func (r *Reconciler) touchStation(id string) {
	r.touchedStations[id] = struct{}{}
}
