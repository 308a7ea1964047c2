// Package mapview keeps a map instance and its overlay objects (markers,
// route polyline) synchronized with a continuously-changing view model,
// with create/update/delete semantics keyed by stable identity so objects
// are never duplicated or leaked.
package mapview

import (
	"livetrack/internal/domain/geo"
)

// Marker is a live map object the renderer owns. SetPosition moves it in
// place; Remove detaches it from the map.
type Marker interface {
	SetPosition(pos geo.Coordinate)
	Remove()
}

// Polyline is a live route object.
type Polyline interface {
	Remove()
}

// MarkerOptions describe a marker at creation time.
type MarkerOptions struct {
	Position geo.Coordinate
	Icon     string
	Label    string
}

// PolylineOptions describe a route polyline. Dashed signals a planned (not
// yet live) route.
type PolylineOptions struct {
	Points []geo.Coordinate
	Dashed bool
}

// Renderer is the imperative map backend (tile map widget, console, fake in
// tests). MapView calls it only while attached.
type Renderer interface {
	CreateMap(center geo.Coordinate, zoom int) error
	SetCenter(center geo.Coordinate)
	AddMarker(opts MarkerOptions) (Marker, error)
	AddPolyline(opts PolylineOptions) (Polyline, error)
}

// Identity keys for the singleton markers.
const (
	KeyTracker = "tracker"
	KeyOrigin  = "origin"
	KeyCustody = "custody"
)

// PointInfo is a labeled singleton position (tracker, origin, custody).
type PointInfo struct {
	Position geo.Coordinate
	Label    string
}

// Destination is one element of the keyed destination collection.
// Destinations are immutable once known; reconciliation never repositions
// an existing destination marker.
type Destination struct {
	ID       int64
	Position geo.Coordinate
	Label    string
}

// ViewState is the declarative model MapView keeps the overlays in sync
// with.
type ViewState struct {
	Tracker         *PointInfo
	Origin          *PointInfo
	Custody         *PointInfo
	CurrentLocation *geo.Coordinate
	Destinations    []Destination
	IsTracking      bool
}

// Icons configures the marker icon paths per overlay category.
type Icons struct {
	Tracker     string
	Origin      string
	Custody     string
	Destination string
}

// Config tunes the view.
type Config struct {
	Icons Icons
	// FallbackCenter anchors the first render when no position is known yet.
	FallbackCenter geo.Coordinate
	Zoom           int
}

// MapView owns the map instance and all overlay objects. It is not
// goroutine safe; the UI layer calls Sync from a single loop.
type MapView struct {
	cfg      Config
	renderer Renderer

	created     bool
	singletons  map[string]Marker
	destMarkers map[int64]Marker
	route       Polyline
}

// New builds a detached MapView. All operations no-op until Attach.
func New(cfg Config) *MapView {
	if cfg.Zoom <= 0 {
		cfg.Zoom = 13
	}
	return &MapView{
		cfg:         cfg,
		singletons:  make(map[string]Marker),
		destMarkers: make(map[int64]Marker),
	}
}

// Attach binds the rendering target. The map instance itself is created on
// the first Sync after attachment and never recreated.
func (v *MapView) Attach(r Renderer) {
	v.renderer = r
}

// Detach drops every overlay and the rendering target, for component
// teardown.
func (v *MapView) Detach() {
	for key, m := range v.singletons {
		m.Remove()
		delete(v.singletons, key)
	}
	for id, m := range v.destMarkers {
		m.Remove()
		delete(v.destMarkers, id)
	}
	if v.route != nil {
		v.route.Remove()
		v.route = nil
	}
	v.renderer = nil
	v.created = false
}

// Sync reconciles the overlays with the latest view state. Called
// repeatedly as state changes; safe to call before Attach (no-op).
func (v *MapView) Sync(state ViewState) error {
	if v.renderer == nil {
		return nil
	}

	if !v.created {
		if err := v.renderer.CreateMap(v.initialCenter(state), v.cfg.Zoom); err != nil {
			return err
		}
		v.created = true
	}

	v.syncSingleton(KeyTracker, v.trackerPosition(state), v.cfg.Icons.Tracker, v.trackerLabel(state))
	v.syncSingleton(KeyOrigin, positionOf(state.Origin), v.cfg.Icons.Origin, labelOf(state.Origin))
	v.syncSingleton(KeyCustody, positionOf(state.Custody), v.cfg.Icons.Custody, labelOf(state.Custody))
	v.syncDestinations(state.Destinations)
	v.syncRoute(state)

	// follow the tracker as it moves
	if pos := v.trackerPosition(state); pos != nil {
		v.renderer.SetCenter(*pos)
	}
	return nil
}

// trackerPosition prefers the live current location over the static tracker
// info.
func (v *MapView) trackerPosition(state ViewState) *geo.Coordinate {
	if state.CurrentLocation != nil {
		return state.CurrentLocation
	}
	if state.Tracker != nil {
		p := state.Tracker.Position
		return &p
	}
	return nil
}

func (v *MapView) trackerLabel(state ViewState) string {
	if state.Tracker != nil {
		return state.Tracker.Label
	}
	return ""
}

// syncSingleton creates, repositions in place, or removes one singleton
// marker. Reposition never recreates the object: recreation flickers and
// leaks the old handle if removal is forgotten. Removal-on-absence is a
// deliberate correction of the original behavior, which left stale markers
// on the map when their source datum disappeared.
func (v *MapView) syncSingleton(key string, pos *geo.Coordinate, icon, label string) {
	existing, ok := v.singletons[key]

	if pos == nil {
		if ok {
			existing.Remove()
			delete(v.singletons, key)
		}
		return
	}

	if ok {
		existing.SetPosition(*pos)
		return
	}

	m, err := v.renderer.AddMarker(MarkerOptions{Position: *pos, Icon: icon, Label: label})
	if err != nil {
		return
	}
	v.singletons[key] = m
}

// syncDestinations reconciles the keyed marker set against the incoming
// list: create new IDs, leave existing IDs untouched, remove missing IDs.
// A set-diff instead of teardown/rebuild avoids flicker and redundant work.
func (v *MapView) syncDestinations(destinations []Destination) {
	incoming := make(map[int64]Destination, len(destinations))
	for _, d := range destinations {
		incoming[d.ID] = d
	}

	for id, m := range v.destMarkers {
		if _, keep := incoming[id]; !keep {
			m.Remove()
			delete(v.destMarkers, id)
		}
	}

	for id, d := range incoming {
		if _, exists := v.destMarkers[id]; exists {
			continue
		}
		m, err := v.renderer.AddMarker(MarkerOptions{
			Position: d.Position,
			Icon:     v.cfg.Icons.Destination,
			Label:    d.Label,
		})
		if err != nil {
			continue
		}
		v.destMarkers[id] = m
	}
}

// syncRoute rebuilds the polyline from scratch on every call: the waypoint
// list is small and order-sensitive (origin, then current-or-last-known
// position, then destinations). The old polyline is removed before the new
// one is added.
func (v *MapView) syncRoute(state ViewState) {
	if v.route != nil {
		v.route.Remove()
		v.route = nil
	}

	var points []geo.Coordinate
	if state.Origin != nil {
		points = append(points, state.Origin.Position)
	}
	if pos := v.trackerPosition(state); pos != nil {
		points = append(points, *pos)
	}
	for _, d := range state.Destinations {
		points = append(points, d.Position)
	}
	if len(points) < 2 {
		return
	}

	line, err := v.renderer.AddPolyline(PolylineOptions{Points: points, Dashed: !state.IsTracking})
	if err != nil {
		return
	}
	v.route = line
}

// initialCenter picks the first-mount anchor: tracker, then custody, then
// current location, then origin, then the configured fallback.
func (v *MapView) initialCenter(state ViewState) geo.Coordinate {
	if state.Tracker != nil {
		return state.Tracker.Position
	}
	if state.Custody != nil {
		return state.Custody.Position
	}
	if state.CurrentLocation != nil {
		return *state.CurrentLocation
	}
	if state.Origin != nil {
		return state.Origin.Position
	}
	return v.cfg.FallbackCenter
}

func positionOf(p *PointInfo) *geo.Coordinate {
	if p == nil {
		return nil
	}
	pos := p.Position
	return &pos
}

func labelOf(p *PointInfo) string {
	if p == nil {
		return ""
	}
	return p.Label
}
