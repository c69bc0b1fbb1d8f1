package tide

import (
	"sync"
	"time"
)

// ============================================================================
// Read/Focus Tracker
// ============================================================================

// Visibility is the window visibility reported by the host UI.
type Visibility int

const (
	VisibilityHidden Visibility = iota
	VisibilityVisible
)

// DefaultMarkReadDelay debounces mark-as-read so transient focus flicker
// never reaches the server.
const DefaultMarkReadDelay = 100 * time.Millisecond

// FocusTracker decides when to emit a mark-as-read intent. The intent fires
// only on entry into the (visible, focused, active conversation) state, after
// a short debounce. Switching the active conversation before the debounce
// fires drops the stale intent for the previous conversation.
type FocusTracker struct {
	mu         sync.Mutex
	visibility Visibility
	focused    bool
	active     string
	delay      time.Duration
	timer      *time.Timer
	armedFor   string // conversation the running timer would mark read
	engaged    bool   // currently in the (visible, focused, active) state
	emit       func(conversationID string)
}

// NewFocusTracker creates a tracker that calls emit with the conversation id
// once a debounced mark-as-read should go out. A non-positive delay falls
// back to DefaultMarkReadDelay.
func NewFocusTracker(delay time.Duration, emit func(conversationID string)) *FocusTracker {
	if delay <= 0 {
		delay = DefaultMarkReadDelay
	}
	return &FocusTracker{
		visibility: VisibilityVisible,
		delay:      delay,
		emit:       emit,
	}
}

// SetWindowState updates visibility and focus.
func (f *FocusTracker) SetWindowState(visibility Visibility, focused bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.visibility = visibility
	f.focused = focused
	f.evaluateLocked()
}

// SetActive changes the active conversation. An empty id means none.
func (f *FocusTracker) SetActive(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == conversationID {
		return
	}
	f.active = conversationID
	// The previous conversation's pending intent is stale either way.
	f.cancelLocked()
	f.engaged = false
	f.evaluateLocked()
}

// Active returns the currently active conversation id.
func (f *FocusTracker) Active() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Engaged reports whether the user is actively viewing the conversation
// (visible, focused, and it is the active one).
func (f *FocusTracker) Engaged(conversationID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.engaged && f.active == conversationID
}

// Touch re-arms the debounce for the active conversation, used when a new
// message arrives while the user is already viewing it.
func (f *FocusTracker) Touch(conversationID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.engaged || f.active != conversationID {
		return
	}
	f.armLocked(conversationID)
}

// Stop cancels any armed intent. Called on engine teardown.
func (f *FocusTracker) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelLocked()
}

func (f *FocusTracker) evaluateLocked() {
	inState := f.visibility == VisibilityVisible && f.focused && f.active != ""
	if !inState {
		f.engaged = false
		f.cancelLocked()
		return
	}
	if f.engaged && f.armedFor == "" {
		// Already in state and the intent has fired; nothing to re-arm.
		return
	}
	f.engaged = true
	f.armLocked(f.active)
}

func (f *FocusTracker) armLocked(conversationID string) {
	if f.armedFor == conversationID && f.timer != nil {
		return
	}
	f.cancelLocked()
	f.armedFor = conversationID
	f.timer = time.AfterFunc(f.delay, func() { f.fire(conversationID) })
}

func (f *FocusTracker) cancelLocked() {
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.armedFor = ""
}

func (f *FocusTracker) fire(conversationID string) {
	f.mu.Lock()
	// The debounce may have been outrun by a conversation switch.
	if f.armedFor != conversationID || f.active != conversationID {
		f.mu.Unlock()
		return
	}
	stale := f.visibility != VisibilityVisible || !f.focused
	f.armedFor = ""
	f.timer = nil
	emit := f.emit
	f.mu.Unlock()

	if stale || emit == nil {
		return
	}
	emit(conversationID)
}
