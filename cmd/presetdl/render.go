package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/datallboy/presetdl/internal/broadcast"
	"github.com/datallboy/presetdl/internal/domain"
)

var (
	successStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))  // green
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("14")) // cyan
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("69"))
)

const barWidth = 24

// progressView prints one line per status change. It keeps no terminal
// state so it also works when output is piped.
type progressView struct {
	out io.Writer
}

func newProgressView(out io.Writer) *progressView {
	return &progressView{out: out}
}

func (v *progressView) println(s string) {
	fmt.Fprintln(v.out, s)
}

func (v *progressView) info(msg string) {
	v.println(infoStyle.Render(msg))
}

func (v *progressView) fail(id string, err error) {
	v.println(errorStyle.Render(fmt.Sprintf("✗ %s: %v", id, err)))
}

func (v *progressView) submitted(id string, res domain.SubmitResult) {
	switch res.Outcome {
	case domain.Accepted:
		v.println(headerStyle.Render("→ "+id) + detailStyle.Render(" "+res.DownloadID))
	case domain.NoWork:
		v.println(successStyle.Render("✓ " + id + " already present"))
	default:
		v.println(warningStyle.Render(fmt.Sprintf("! %s: %s", id, res.Outcome)))
	}
}

func (v *progressView) status(st *domain.Status) {
	line := fmt.Sprintf("  %s %s %d/%d files", st.PresetID, bar(st.Progress), st.Completed, st.TotalFiles)
	if st.Total > 0 {
		line += fmt.Sprintf("  %s / %s", humanize.IBytes(uint64(st.Downloaded)), humanize.IBytes(uint64(st.Total)))
	}
	for _, f := range st.Files {
		if f.Status == domain.TaskDownloading && f.Speed > 0 {
			line += detailStyle.Render(fmt.Sprintf("  %s %s/s", f.Path, humanize.IBytes(uint64(f.Speed))))
			if f.ETASeconds > 0 {
				line += detailStyle.Render(" eta " + time.Duration(f.ETASeconds*float64(time.Second)).Round(time.Second).String())
			}
			break
		}
	}
	v.println(line)
}

func (v *progressView) event(ev broadcast.Event) {
	switch ev.Type {
	case broadcast.DownloadFailed:
		v.println(errorStyle.Render(fmt.Sprintf("  ✗ %s/%v: %v", ev.PresetID, ev.Data["path"], ev.Data["error"])))
	case broadcast.DownloadPaused, broadcast.DownloadResumed, broadcast.DownloadCancelled:
		v.println(warningStyle.Render(fmt.Sprintf("  %s %s", ev.PresetID, ev.Type)))
	}
}

func (v *progressView) finished(st *domain.Status) {
	msg := fmt.Sprintf("%s %s (%d/%d completed, %d failed)", st.PresetID, st.Status, st.Completed, st.TotalFiles, st.Failed)
	switch st.Status {
	case domain.GroupCompleted:
		v.println(successStyle.Render("✓ " + msg))
	case domain.GroupCompletedWithFailures:
		v.println(warningStyle.Render("! " + msg))
	default:
		v.println(errorStyle.Render("✗ " + msg))
	}
}

// bar renders progress in [0,1]; indeterminate progress renders empty.
func bar(p float64) string {
	if p < 0 {
		return "[" + strings.Repeat("·", barWidth) + "]"
	}
	filled := min(int(p*barWidth), barWidth)
	return "[" + strings.Repeat("━", filled) + strings.Repeat(" ", barWidth-filled) + fmt.Sprintf("] %3.0f%%", p*100)
}
