package ui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/mstiles/tunnelpanel/internal/model"
	"github.com/mstiles/tunnelpanel/internal/util"
)

// Field indices for the client form.
const (
	fieldName = iota
	fieldAddr
	fieldKey
	fieldCount
)

// formResult is returned when the user completes the form.
type formResult struct {
	spec model.ClientSpec
	edit bool
}

// clientForm holds the state of the add/edit client screen.
type clientForm struct {
	fields   []textinput.Model
	focusIdx int
	useTLS   bool
	auto     bool
	edit     bool // edit mode: name field is locked
	errMsg   string
}

// newForm creates an empty add-client form. defaultAddr prefills the
// address field when set.
func newForm(defaultAddr string) *clientForm {
	f := &clientForm{}

	placeholders := []string{
		"work (required, unique)",
		"tunnel.example.com:8024 or wss://host/tunnel (required)",
		"auth key (required, stored verbatim)",
	}
	limits := []int{64, 256, 256}

	f.fields = make([]textinput.Model, fieldCount)
	for i := range f.fields {
		ti := textinput.New()
		ti.Placeholder = placeholders[i]
		ti.CharLimit = limits[i]
		ti.Width = 48
		f.fields[i] = ti
	}
	// Keys never echo on screen.
	f.fields[fieldKey].EchoMode = textinput.EchoPassword
	f.fields[fieldKey].EchoCharacter = '*'

	if defaultAddr != "" {
		f.fields[fieldAddr].SetValue(defaultAddr)
	}
	f.fields[fieldName].Focus()
	return f
}

// editForm creates a form prefilled from an existing client. The key
// field starts empty: leaving it empty keeps the stored key, since the
// read model only carries the redacted form.
func editForm(c model.ShortClient) *clientForm {
	f := newForm("")
	f.edit = true
	f.fields[fieldName].SetValue(c.Name)
	f.fields[fieldAddr].SetValue(c.Addr)
	f.fields[fieldKey].Placeholder = "leave empty to keep current key"
	f.useTLS = c.TLS
	f.auto = c.AutoStart
	f.focusIdx = fieldAddr
	f.fields[fieldName].Blur()
	f.fields[fieldAddr].Focus()
	return f
}

// update processes a key message and returns a formResult when complete.
func (f *clientForm) update(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch msg.String() {
	case "tab", "shift+tab":
		f.fields[f.focusIdx].Blur()
		first := fieldName
		if f.edit {
			first = fieldAddr
		}
		if msg.String() == "tab" {
			f.focusIdx++
			if f.focusIdx >= fieldCount {
				f.focusIdx = first
			}
		} else {
			f.focusIdx--
			if f.focusIdx < first {
				f.focusIdx = fieldCount - 1
			}
		}
		f.fields[f.focusIdx].Focus()
		return nil, f.fields[f.focusIdx].Cursor.BlinkCmd()
	case "ctrl+t":
		f.useTLS = !f.useTLS
		return nil, nil
	case "ctrl+a":
		f.auto = !f.auto
		return nil, nil
	case "enter":
		spec, err := f.buildSpec()
		if err != nil {
			f.errMsg = err.Error()
			return nil, nil
		}
		return &formResult{spec: spec, edit: f.edit}, nil
	default:
		var cmd tea.Cmd
		f.fields[f.focusIdx], cmd = f.fields[f.focusIdx].Update(msg)
		f.errMsg = ""
		return nil, cmd
	}
}

func (f *clientForm) buildSpec() (model.ClientSpec, error) {
	name := strings.TrimSpace(f.fields[fieldName].Value())
	addr := strings.TrimSpace(f.fields[fieldAddr].Value())
	key := f.fields[fieldKey].Value()

	if name == "" {
		return model.ClientSpec{}, fmt.Errorf("name is required")
	}
	if err := util.ValidateAddr(addr); err != nil {
		return model.ClientSpec{}, err
	}
	if key == "" && !f.edit {
		return model.ClientSpec{}, fmt.Errorf("key is required")
	}

	return model.ClientSpec{
		Name:      name,
		Addr:      addr,
		Key:       key,
		TLS:       f.useTLS,
		AutoStart: f.auto,
	}, nil
}

// view renders the form panel.
func (f *clientForm) view(renderPanel func(string, string, int, lipgloss.Color) string, width int) string {
	title := "Add Client"
	if f.edit {
		title = "Edit Client"
	}

	labels := []string{"Name:", "Addr:", "Key:"}
	var b strings.Builder
	for i, label := range labels {
		cursor := "  "
		if i == f.focusIdx {
			cursor = "> "
		}
		b.WriteString(fmt.Sprintf("%s%-8s %s\n", cursor, label, f.fields[i].View()))
	}

	tlsMark, autoMark := " ", " "
	if f.useTLS {
		tlsMark = "x"
	}
	if f.auto {
		autoMark = "x"
	}
	b.WriteString(fmt.Sprintf("\n  [%s] TLS (Ctrl+T)   [%s] Auto-start (Ctrl+A)\n", tlsMark, autoMark))

	if f.errMsg != "" {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		b.WriteString("\n" + errStyle.Render("Error: "+f.errMsg) + "\n")
	}

	b.WriteString("\nTab/Shift-Tab navigate | Enter save | Esc cancel")
	return renderPanel(title, b.String(), width, lipgloss.Color("214"))
}
