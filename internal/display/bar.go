package display

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/lfarizav/rhubarbe/internal/monitor"
	"github.com/lfarizav/rhubarbe/pkg/types"
)

const (
	defaultBarWidth = 40
	minBarWidth     = 10
	maxBarWidth     = 60
	// room left on the line for the percentage and elapsed marker
	barLabelWidth = 20
)

type barMode int

const (
	modeIdle barMode = iota
	modePercent
	modeTick
)

// Bar keeps one live indicator per aggregate stream: a completion bar for
// percent messages and a spinner for tick streams. Other messages are
// printed as plain lines between indicators.
type Bar struct {
	mu     sync.Mutex
	out    io.Writer
	width  int
	bar    progress.Model
	frames []string
	mode   barMode
	ticks  int

	stamp lipgloss.Style
	name  lipgloss.Style
	label lipgloss.Style
}

type BarOption func(*Bar)

// WithWidth fixes the bar width instead of deriving it from the terminal.
func WithWidth(width int) BarOption {
	return func(b *Bar) {
		b.width = width
	}
}

func NewBar(w io.Writer, opts ...BarOption) *Bar {
	r := lipgloss.NewRenderer(w)
	b := &Bar{
		out:    w,
		width:  terminalBarWidth(w),
		frames: spinner.Line.Frames,
		stamp:  r.NewStyle().Faint(true),
		name:   r.NewStyle().Bold(true),
		label:  r.NewStyle().Foreground(lipgloss.Color("6")),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.width < minBarWidth {
		b.width = minBarWidth
	}
	b.bar = progress.New(
		progress.WithDefaultGradient(),
		progress.WithoutPercentage(),
		progress.WithWidth(b.width),
	)
	return b
}

func terminalBarWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return defaultBarWidth
	}
	cols, _, err := term.GetSize(int(f.Fd()))
	if err != nil {
		return defaultBarWidth
	}
	width := cols - barLabelWidth
	if width > maxBarWidth {
		width = maxBarWidth
	}
	return width
}

func (b *Bar) Start() {}

func (b *Bar) Stop(farewell string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finishLocked()
	if farewell != "" {
		fmt.Fprintln(b.out, farewell)
	}
}

func (b *Bar) FleetLine(text, timestamp, elapsed string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finishLocked()
	fmt.Fprintf(b.out, "%s: %s\n", b.stamp.Render(timestamp+" - "+elapsed), text)
}

func (b *Bar) NodeLine(node monitor.MonitorNode, text, timestamp, elapsed string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.finishLocked()
	fmt.Fprintf(b.out, "%s: %s %s\n", b.stamp.Render(timestamp+" - "+elapsed), b.name.Render(node.Name), text)
}

// Progress redraws the completion bar and closes it at the maximum.
func (b *Bar) Progress(_ monitor.MonitorNode, _ string, p monitor.FleetProgress, _, elapsed string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mode == modeTick {
		b.finishLocked()
	}
	b.mode = modePercent
	ratio := p.Ratio()
	fmt.Fprintf(b.out, "\r%s %3.0f%% | %s", b.bar.ViewAs(ratio), ratio*100, elapsed)
	if p.Done() {
		b.finishLocked()
	}
}

// Tick advances the spinner and closes it on the end marker.
func (b *Bar) Tick(_ monitor.MonitorNode, tick, _, elapsed string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mode == modePercent {
		b.finishLocked()
	}
	b.mode = modeTick
	b.ticks++
	frame := b.frames[b.ticks%len(b.frames)]
	fmt.Fprintf(b.out, "\r%s %s %s", b.label.Render("Collecting image :"), frame, elapsed)
	if tick == types.TickEnd {
		b.finishLocked()
	}
}

func (b *Bar) finishLocked() {
	if b.mode == modeIdle {
		return
	}
	fmt.Fprintln(b.out)
	b.mode = modeIdle
	b.ticks = 0
}

var _ monitor.Renderer = (*Bar)(nil)
