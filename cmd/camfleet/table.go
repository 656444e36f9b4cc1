package main

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/bft-labs/camfleet/pkg/credential"
	"github.com/bft-labs/camfleet/pkg/device"
	"github.com/bft-labs/camfleet/pkg/fleet"
	"github.com/bft-labs/camfleet/pkg/lifecycle"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// table renders left-aligned columns sized to their widest cell.
type table struct {
	header []string
	rows   [][]string
}

func (t *table) add(cells ...string) { t.rows = append(t.rows, cells) }

func (t *table) render(w io.Writer) {
	widths := make([]int, len(t.header))
	for i, h := range t.header {
		widths[i] = lipgloss.Width(h)
	}
	for _, r := range t.rows {
		for i, cell := range r {
			if cw := lipgloss.Width(cell); cw > widths[i] {
				widths[i] = cw
			}
		}
	}

	line := func(cells []string, style *lipgloss.Style) string {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			s := lipgloss.NewStyle().Width(widths[i] + 2)
			if style != nil {
				s = s.Inherit(*style)
			}
			parts[i] = s.Render(cell)
		}
		return strings.TrimRight(lipgloss.JoinHorizontal(lipgloss.Top, parts...), " ")
	}

	fmt.Fprintln(w, line(t.header, &headerStyle))
	for _, r := range t.rows {
		fmt.Fprintln(w, line(r, nil))
	}
}

func stateCell(st lifecycle.State) string {
	switch st {
	case lifecycle.StateSecureReady, lifecycle.StateLinkReady:
		return okStyle.Render(st.String())
	case lifecycle.StateDegraded, lifecycle.StateProvisioning, lifecycle.StateLinkConnecting:
		return warnStyle.Render(st.String())
	default:
		return errStyle.Render(st.String())
	}
}

func orDash(s string) string {
	if s == "" {
		return dimStyle.Render("-")
	}
	return s
}

func renderStatus(w io.Writer, statuses map[string]device.Status) {
	ids := make([]string, 0, len(statuses))
	for id := range statuses {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	t := &table{header: []string{"DEVICE", "STATE", "LINK", "ADDRESS", "FINGERPRINT", "CMDS", "ERRS", "PROBE FAILS", "LAST ERROR"}}
	for _, id := range ids {
		st := statuses[id]
		lastErr := ""
		if st.LastError != nil {
			lastErr = errStyle.Render(st.LastError.Error())
		}
		t.add(
			id,
			stateCell(st.State),
			st.Link.String(),
			orDash(st.Address),
			orDash(st.Fingerprint),
			fmt.Sprint(st.Commands),
			fmt.Sprint(st.Errors),
			fmt.Sprint(st.Health.ConsecutiveFailures),
			orDash(lastErr),
		)
	}
	t.render(w)
}

func renderSummary(w io.Writer, s fleet.Summary) {
	fmt.Fprintf(w, "\n%s %d  %s %d  %s %d  %s %d\n",
		headerStyle.Render("total"), s.Total,
		okStyle.Render("healthy"), s.Healthy,
		warnStyle.Render("degraded"), s.Degraded,
		errStyle.Render("failed"), s.Failed)
}

type credRow struct {
	id   string
	cred credential.Credential
}

func renderCredentials(w io.Writer, rows []credRow) {
	t := &table{header: []string{"DEVICE", "ADDRESS", "USER", "FINGERPRINT", "ISSUED", "USABLE"}}
	for _, r := range rows {
		usable := okStyle.Render("yes")
		if !r.cred.Usable() {
			usable = errStyle.Render("no")
		}
		issued := ""
		if !r.cred.IssuedAt.IsZero() {
			issued = r.cred.IssuedAt.Local().Format("2006-01-02 15:04")
		}
		t.add(r.id, orDash(r.cred.Address), orDash(r.cred.Username), orDash(r.cred.Fingerprint()), orDash(issued), usable)
	}
	t.render(w)
}
