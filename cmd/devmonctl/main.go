// Command devmonctl is a read-only Bubble Tea inspector for the
// running broker (SPEC_FULL.md §2.10/§4.8): it dials the control
// socket, sends the same-UID `dump` handshake, and renders the
// returned device table as a periodically refreshed list.
package main

import (
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sys/unix"

	"github.com/chimera-devmond/devmond/internal/config"
	"github.com/chimera-devmond/devmond/internal/protocol"
)

const refreshInterval = 2 * time.Second

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#FFFF00")).
			Padding(0, 1).
			Bold(true)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#4B5563")).
			Padding(0, 1)

	availableStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#22C55E"))
	unavailableStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	tagStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("#60A5FA")).Bold(true)
	errStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444"))
)

func main() {
	sockPath := config.DefaultSocketPath
	if len(os.Args) > 1 {
		sockPath = os.Args[1]
	}

	p := tea.NewProgram(newModel(sockPath))
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "devmonctl:", err)
		os.Exit(1)
	}
}

type refreshMsg struct {
	records []protocol.DumpRecord
	err     error
}

type model struct {
	sockPath string
	records  []protocol.DumpRecord
	err      error
	cursor   int
	width    int
	height   int
}

func newModel(sockPath string) model {
	return model{sockPath: sockPath}
}

func (m model) Init() tea.Cmd {
	return m.refresh()
}

func (m model) refresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		records, err := fetchDump(m.sockPath)
		return refreshMsg{records: records, err: err}
	})
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.records)-1 {
				m.cursor++
			}
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case refreshMsg:
		m.records, m.err = msg.records, msg.err
		return m, m.refresh()
	}
	return m, nil
}

func (m model) View() string {
	header := headerStyle.Render(fmt.Sprintf(" devmonctl — %s ", m.sockPath))
	footer := footerStyle.Render(" q: quit  ↑/↓: scroll ")

	if m.err != nil {
		return header + "\n\n" + errStyle.Render(m.err.Error()) + "\n\n" + footer
	}

	if len(m.records) == 0 {
		return header + "\n\n  (no devices)\n\n" + footer
	}

	rows := make([]string, 0, len(m.records))
	rows = append(rows, fmt.Sprintf("  %-8s %-34s %-20s %-17s %-4s %s", "SUBSYS", "SYSPATH", "NAME", "MAC", "TAG", "STATE"))
	for i, r := range m.records {
		prefix := "  "
		if i == m.cursor {
			prefix = "> "
		}
		state := availableStyle.Render("up")
		if r.Removed {
			state = unavailableStyle.Render("removed")
		}
		tag := ""
		if r.HasTag {
			tag = tagStyle.Render("yes")
		}
		rows = append(rows, fmt.Sprintf("%s%-8s %-34s %-20s %-17s %-4s %s", prefix, r.Subsystem, r.Syspath, r.Name, r.Mac, tag, state))
	}

	return header + "\n\n" + joinLines(rows) + "\n\n" + footer
}

func joinLines(lines []string) string {
	out := ""
	for i, l := range lines {
		if i > 0 {
			out += "\n"
		}
		out += l
	}
	return out
}

// fetchDump opens one connection, performs the dump handshake, reads
// until the broker closes the connection, and decodes every complete
// record it sent (SPEC_FULL.md §4.4).
func fetchDump(sockPath string) ([]protocol.DumpRecord, error) {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}
	defer unix.Close(fd)

	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: sockPath}); err != nil {
		return nil, fmt.Errorf("connect %s: %w", sockPath, err)
	}

	hs, err := protocol.EncodeHandshake(protocol.Handshake{Tag: protocol.TagDump, DataLength: 1})
	if err != nil {
		return nil, fmt.Errorf("encode handshake: %w", err)
	}
	if _, err := unix.Write(fd, append(hs, 0x00)); err != nil {
		return nil, fmt.Errorf("write handshake: %w", err)
	}

	var buf []byte
	var records []protocol.DumpRecord
	tmp := make([]byte, 4096)
	for {
		n, err := unix.Read(fd, tmp)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("read dump: %w", err)
		}
		if n == 0 {
			break
		}
		buf = append(buf, tmp[:n]...)
		var decoded []protocol.DumpRecord
		decoded, buf, err = protocol.DecodeDumpRecords(buf)
		if err != nil {
			return nil, fmt.Errorf("decode dump: %w", err)
		}
		records = append(records, decoded...)
	}
	return records, nil
}
