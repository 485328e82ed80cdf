package watch

import (
	"strings"
	"time"
)

// Ticker rotates through frames to show the loop is alive. It stops rotating
// when ticks stop arriving.
type Ticker struct {
	frames   []string
	index    int
	lastTick time.Time
}

func NewTicker() Ticker {
	return Ticker{
		frames:   []string{"⟲", "⟳"},
		lastTick: time.Now(),
	}
}

func (t *Ticker) Tick() {
	t.index = (t.index + 1) % len(t.frames)
	t.lastTick = time.Now()
}

func (t Ticker) Current() string {
	return t.frames[t.index]
}

// Pulse shows record activity with a decaying dot pattern: lights up on
// events, fades over time.
type Pulse struct {
	dots      int
	lastEvent time.Time
}

func (p *Pulse) OnEvent() {
	p.dots = 5
	p.lastEvent = time.Now()
}

func (p *Pulse) Decay() {
	if p.dots == 0 {
		return
	}
	elapsed := time.Since(p.lastEvent)
	switch {
	case elapsed > 10*time.Second:
		p.dots = 0
	case elapsed > 8*time.Second:
		p.dots = 1
	case elapsed > 6*time.Second:
		p.dots = 2
	case elapsed > 4*time.Second:
		p.dots = 3
	case elapsed > 2*time.Second:
		p.dots = 4
	}
}

func (p Pulse) Render(theme Theme) string {
	var out strings.Builder
	for i := 0; i < 5; i++ {
		if i < p.dots {
			out.WriteString(theme.TickerActive.Render("●"))
		} else {
			out.WriteString(theme.TickerInactive.Render("○"))
		}
	}
	return out.String()
}

func (p Pulse) LastEvent() time.Time {
	return p.lastEvent
}
