package ui

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"
)

var spinFrames = [...]string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Checklist redraws the steps of the current operation in place.
type Checklist struct {
	w        io.Writer
	mu       sync.Mutex
	steps    []stepState
	rendered int
	frame    int
	spinning bool
	stop     chan struct{}
	once     sync.Once
}

func NewChecklist(w io.Writer) *Checklist {
	return &Checklist{w: w, stop: make(chan struct{})}
}

// OnSnapshot redraws the block. A fresh plan starts a new block below the
// previous one.
func (c *Checklist) OnSnapshot(steps []stepState, fresh bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if fresh {
		c.rendered = 0
	}
	c.steps = steps
	c.redrawLocked()
	if !c.spinning {
		c.spinning = true
		go c.spin()
	}
}

// Close stops the spinner. The last frame stays on screen.
func (c *Checklist) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *Checklist) spin() {
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			c.frame = (c.frame + 1) % len(spinFrames)
			c.redrawLocked()
			c.mu.Unlock()
		}
	}
}

func (c *Checklist) redrawLocked() {
	var sb strings.Builder
	if c.rendered > 0 {
		fmt.Fprintf(&sb, "\033[%dA", c.rendered)
	}
	for _, s := range c.steps {
		fmt.Fprintf(&sb, "\r%s\033[K\n", c.line(s))
	}
	for i := len(c.steps); i < c.rendered; i++ {
		sb.WriteString("\r\033[K\n")
	}
	c.rendered = max(c.rendered, len(c.steps))
	_, _ = io.WriteString(c.w, sb.String())
}

func (c *Checklist) line(s stepState) string {
	var icon, title string
	switch s.Status {
	case stepRunning:
		icon, title = Accent(spinFrames[c.frame]), s.Title
	case stepDone:
		icon, title = Success("✓"), s.Title
	case stepFailed:
		icon, title = ErrorStyle.Render("✗"), ErrorStyle.Render(s.Title)
	default:
		icon, title = Muted("●"), Muted(s.Title)
	}
	out := indent(s) + icon + " " + title
	if s.Message != "" {
		out += " " + Muted(s.Message)
	}
	return out
}

func indent(s stepState) string {
	if s.ParentID != "" {
		return "    "
	}
	return "  "
}
