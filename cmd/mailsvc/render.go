package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/loykin/mailsvc/internal/service"
	"github.com/loykin/mailsvc/internal/supervisor"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
	statusColor = map[service.Status]lipgloss.Color{
		service.StatusRunning:  lipgloss.Color("2"),
		service.StatusStarting: lipgloss.Color("3"),
		service.StatusStopping: lipgloss.Color("3"),
		service.StatusStopped:  lipgloss.Color("8"),
		service.StatusErrored:  lipgloss.Color("1"),
	}
)

var statusHeaders = []string{"SERVICE", "STATUS", "PID", "PORT", "CPU%", "MEMORY", "STARTED", "RESTARTS"}

func statusRow(d service.Descriptor, st service.RuntimeState) []string {
	pid, port, cpu, mem, started := "-", "-", "-", "-", "-"
	if st.PID > 0 {
		pid = strconv.Itoa(st.PID)
	}
	if d.Port > 0 {
		port = strconv.Itoa(d.Port)
	}
	if st.Status == service.StatusRunning {
		cpu = fmt.Sprintf("%.1f", st.CPUPercent)
		mem = fmt.Sprintf("%.1f MB", st.MemoryMB())
	}
	if !st.StartTime.IsZero() {
		started = st.StartTime.Local().Format(time.DateTime)
	}
	return []string{d.Name, string(st.Status), pid, port, cpu, mem, started, strconv.Itoa(st.Restarts)}
}

// renderStates prints a status table followed by the last error of any
// service that has one.
func renderStates(w io.Writer, reg *service.Registry, states []service.RuntimeState) {
	if len(states) == 0 {
		_, _ = fmt.Fprintln(w, "No services")
		return
	}
	rows := make([][]string, 0, len(states))
	for _, st := range states {
		d, _ := reg.Get(st.Name)
		rows = append(rows, statusRow(d, st))
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers(statusHeaders...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			if col == 1 && row >= 0 && row < len(states) {
				if c, ok := statusColor[states[row].Status]; ok {
					return cellStyle.Foreground(c)
				}
			}
			return cellStyle
		})
	_, _ = fmt.Fprintln(w, t.Render())

	for _, st := range states {
		if st.LastError != "" {
			_, _ = fmt.Fprintf(w, "%s: %s\n", st.Name, st.LastError)
		}
	}
}

func renderConflicts(w io.Writer, conflicts []supervisor.Conflict) {
	if len(conflicts) == 0 {
		return
	}
	_, _ = fmt.Fprintln(w, "\nPort conflicts:")
	for _, c := range conflicts {
		_, _ = fmt.Fprintf(w, "  %s: port %d is held by another process\n", c.Service, c.Port)
	}
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}
