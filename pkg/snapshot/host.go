// The controller never touches a rendering engine directly; it consumes the host through the interfaces below.
// Tab is an in-memory host used by the Redis port, where every connection acts as a browser tab.

package snapshot

import (
	"sync"
	"time"
)

// Surface is the element whose markup is cached.
type Surface interface {
	Content() string
	SetContent(markup string)
}

// Host is the page the controller runs in.
type Host interface {
	// Surface returns the element matching `selector`; false if nothing matches.
	Surface(selector string) (Surface, bool)
	// Location returns the current page identity, e.g. its URL. Snapshots are keyed by it verbatim.
	Location() string
	Title() string
	SetTitle(title string)
	ScrollOffset() (x, y float64)
	// ScrollTo is called through the controller's Scheduler, i.e. from the timer goroutine under TimerScheduler.
	ScrollTo(x, y float64)
	// HistorySupported reports whether the host can navigate back / forward at all.
	HistorySupported() bool
}

// Scheduler runs a task on a later turn of the host's event loop.
type Scheduler interface {
	Defer(task func())
}

// TimerScheduler defers tasks with a timer, for hosts that don't expose their loop.
// Tasks run on the timer's goroutine, so a host driven by it must be safe to call from there. Hosts that aren't
// should use a TaskQueue and drain it from their own goroutine.
type TimerScheduler struct {
	Delay time.Duration
}

func (s TimerScheduler) Defer(task func()) {
	time.AfterFunc(s.Delay, task)
}

// TaskQueue is a Scheduler for hosts that drive their own loop: deferred tasks run on the next RunPending call.
type TaskQueue struct {
	tasks []func()
}

func (q *TaskQueue) Defer(task func()) {
	q.tasks = append(q.tasks, task)
}

// Pending returns the number of tasks waiting for the next turn.
func (q *TaskQueue) Pending() int {
	return len(q.tasks)
}

// RunPending runs the tasks deferred so far, in order, and returns how many ran.
// Tasks deferred while running wait for the following call.
func (q *TaskQueue) RunPending() int {
	tasks := q.tasks
	q.tasks = nil
	for _, task := range tasks {
		task()
	}
	return len(tasks)
}

var _ Surface = (*Element)(nil)

// Element is an in-memory Surface.
type Element struct {
	markup string
}

func (e *Element) Content() string {
	return e.markup
}

func (e *Element) SetContent(markup string) {
	e.markup = markup
}

var _ Host = (*Tab)(nil)

// Tab is a Host kept entirely in memory. Its methods may be called from a TimerScheduler's goroutine.
type Tab struct {
	mux              sync.Mutex
	elements         map[ /*selector*/ string]*Element
	location, title  string
	scrollX, scrollY float64
	historyDisabled  bool
}

// NewTab opens a tab at `location`.
func NewTab(location string) *Tab {
	return &Tab{elements: make(map[string]*Element), location: location}
}

// AddElement registers an element under `selector` holding `markup` and returns it.
func (t *Tab) AddElement(selector, markup string) *Element {
	t.mux.Lock()
	defer t.mux.Unlock()
	element := &Element{markup: markup}
	t.elements[selector] = element
	return element
}

// Navigate moves the tab to `location`. Like a fresh page load, element contents, title and scroll are reset.
func (t *Tab) Navigate(location string) {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.location = location
	t.title = ""
	t.scrollX, t.scrollY = 0, 0
	for _, element := range t.elements {
		element.markup = ""
	}
}

// SetHistorySupported toggles the history capability reported to the controller.
func (t *Tab) SetHistorySupported(supported bool) {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.historyDisabled = !supported
}

func (t *Tab) Surface(selector string) (Surface, bool) {
	t.mux.Lock()
	defer t.mux.Unlock()
	element, found := t.elements[selector]
	if !found {
		return nil, false
	}
	return element, true
}

func (t *Tab) Location() string {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.location
}

func (t *Tab) Title() string {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.title
}

func (t *Tab) SetTitle(title string) {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.title = title
}

func (t *Tab) ScrollOffset() (x, y float64) {
	t.mux.Lock()
	defer t.mux.Unlock()
	return t.scrollX, t.scrollY
}

func (t *Tab) ScrollTo(x, y float64) {
	t.mux.Lock()
	defer t.mux.Unlock()
	t.scrollX, t.scrollY = x, y
}

func (t *Tab) HistorySupported() bool {
	t.mux.Lock()
	defer t.mux.Unlock()
	return !t.historyDisabled
}
