// Copyright 2024-2026 Aiku AI

package prompt

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	helpStyle  = lipgloss.NewStyle().Faint(true)
	errorStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// TeaPrompt reads secrets with a masked Bubble Tea text input.
type TeaPrompt struct {
	In  *os.File
	Out io.Writer
}

func (p *TeaPrompt) ReadSecret(title, description string) (string, error) {
	if p.In == nil || !term.IsTerminal(int(p.In.Fd())) {
		return "", ErrUnavailable
	}
	finalModel, err := tea.NewProgram(
		newSecretModel(title, description),
		tea.WithInput(p.In),
		tea.WithOutput(p.Out),
	).Run()
	if err != nil {
		return "", fmt.Errorf("secret prompt failed: %w", err)
	}
	result := finalModel.(*secretModel)
	if result.canceled {
		return "", ErrCanceled
	}
	return result.value, nil
}

// secretModel is a single masked input. Enter submits a non-empty value,
// esc and ctrl+c cancel.
type secretModel struct {
	title       string
	description string
	input       textinput.Model
	errMsg      string

	value    string
	canceled bool
}

func newSecretModel(title, description string) *secretModel {
	input := textinput.New()
	input.Placeholder = "password"
	input.CharLimit = 1024
	input.Width = 40
	input.EchoMode = textinput.EchoPassword
	input.EchoCharacter = '*'
	input.Focus()
	return &secretModel{
		title:       title,
		description: description,
		input:       input,
	}
}

func (m *secretModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *secretModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if keyMsg, ok := msg.(tea.KeyMsg); ok {
		switch keyMsg.String() {
		case "esc", "ctrl+c":
			m.canceled = true
			return m, tea.Quit
		case "enter":
			if m.input.Value() == "" {
				m.errMsg = "Value must not be empty"
				return m, nil
			}
			m.value = m.input.Value()
			return m, tea.Quit
		}
	}

	m.errMsg = ""
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *secretModel) View() string {
	if m.value != "" || m.canceled {
		return ""
	}
	var b strings.Builder
	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n")
	if m.description != "" {
		b.WriteString(m.description)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.input.View())
	if m.errMsg != "" {
		b.WriteString("\n")
		b.WriteString(errorStyle.Render(m.errMsg))
	}
	b.WriteString("\n\n")
	b.WriteString(helpStyle.Render("enter: confirm │ esc: cancel"))
	return boxStyle.Render(b.String()) + "\n"
}
