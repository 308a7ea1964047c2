package mapview

import (
	"fmt"
	"io"
	"sync"

	"livetrack/internal/domain/geo"
)

// ConsoleRenderer is a text rendering target for headless use: every map
// operation becomes one line on the writer. It doubles as the reference
// Renderer implementation.
type ConsoleRenderer struct {
	mu sync.Mutex
	w  io.Writer
	n  int
}

func NewConsoleRenderer(w io.Writer) *ConsoleRenderer {
	return &ConsoleRenderer{w: w}
}

func (r *ConsoleRenderer) printf(format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.w, format+"\n", args...)
}

func (r *ConsoleRenderer) CreateMap(center geo.Coordinate, zoom int) error {
	r.printf("map created at (%.5f, %.5f) zoom %d", center.Lat, center.Lng, zoom)
	return nil
}

func (r *ConsoleRenderer) SetCenter(center geo.Coordinate) {
	r.printf("center (%.5f, %.5f)", center.Lat, center.Lng)
}

func (r *ConsoleRenderer) AddMarker(opts MarkerOptions) (Marker, error) {
	r.mu.Lock()
	r.n++
	id := r.n
	r.mu.Unlock()

	label := opts.Label
	if label == "" {
		label = opts.Icon
	}
	r.printf("marker #%d %q at (%.5f, %.5f)", id, label, opts.Position.Lat, opts.Position.Lng)
	return &consoleMarker{r: r, id: id, label: label}, nil
}

func (r *ConsoleRenderer) AddPolyline(opts PolylineOptions) (Polyline, error) {
	style := "solid"
	if opts.Dashed {
		style = "dashed"
	}
	r.printf("route %s, %d waypoints", style, len(opts.Points))
	return &consolePolyline{r: r}, nil
}

type consoleMarker struct {
	r     *ConsoleRenderer
	id    int
	label string
}

func (m *consoleMarker) SetPosition(pos geo.Coordinate) {
	m.r.printf("marker #%d %q moved to (%.5f, %.5f)", m.id, m.label, pos.Lat, pos.Lng)
}

func (m *consoleMarker) Remove() {
	m.r.printf("marker #%d %q removed", m.id, m.label)
}

type consolePolyline struct {
	r *ConsoleRenderer
}

func (p *consolePolyline) Remove() {
	p.r.printf("route removed")
}
