package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/wippyai/canonlink/engine"
	"github.com/wippyai/canonlink/itype"
	"github.com/wippyai/canonlink/linker"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInputArgs
	stateShowResult
)

type exportInfo struct {
	export *linker.Export
	label  string
	params []itype.CoreType
}

type interactiveModel struct {
	modules      moduleFlags
	manifestFile string

	eng     *engine.Engine
	comp    *linker.Component
	exports []exportInfo

	inputs   []textinput.Model
	selected int
	focusIdx int
	state    modelState
	result   string
	err      error
}

type loadedMsg struct {
	err     error
	eng     *engine.Engine
	comp    *linker.Component
	exports []exportInfo
}

type callResultMsg struct {
	err    error
	result string
}

func newInteractiveModel(modules moduleFlags, manifestFile string) *interactiveModel {
	return &interactiveModel{
		modules:      modules,
		manifestFile: manifestFile,
		state:        stateSelectFunc,
	}
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadComponent
}

func (m *interactiveModel) loadComponent() tea.Msg {
	ctx := context.Background()

	comp, eng, err := link(ctx, m.modules, m.manifestFile)
	if err != nil {
		return loadedMsg{err: err}
	}

	reg := comp.Registry()
	var exports []exportInfo
	for _, e := range comp.Exports() {
		params, _, err := reg.FlattenSignature(e.Signature())
		if err != nil {
			comp.Close(ctx)
			eng.Close(ctx)
			return loadedMsg{err: err}
		}
		exports = append(exports, exportInfo{
			export: e,
			label:  e.Instance() + "." + e.Name(),
			params: params,
		})
	}
	sort.Slice(exports, func(i, j int) bool { return exports[i].label < exports[j].label })

	return loadedMsg{eng: eng, comp: comp, exports: exports}
}

func (m *interactiveModel) close() {
	ctx := context.Background()
	if m.comp != nil {
		m.comp.Close(ctx)
	}
	if m.eng != nil {
		m.eng.Close(ctx)
	}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.close()
			return m, tea.Quit

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.exports)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				m.prepareInputs()
				if len(m.inputs) == 0 {
					return m, m.callFunction
				}
				m.state = stateInputArgs

			case stateInputArgs:
				return m, m.callFunction

			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectFunc
				m.inputs = nil
			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.eng = msg.eng
		m.comp = msg.comp
		m.exports = msg.exports

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *interactiveModel) prepareInputs() {
	info := m.exports[m.selected]
	m.inputs = make([]textinput.Model, len(info.params))
	for i, p := range info.params {
		ti := textinput.New()
		ti.Placeholder = p.String()
		ti.Prompt = fmt.Sprintf("arg%d: ", i)
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

func (m *interactiveModel) callFunction() tea.Msg {
	ctx := context.Background()
	info := m.exports[m.selected]

	var fields []string
	for _, input := range m.inputs {
		fields = append(fields, input.Value())
	}
	flat, err := parseArgs(m.comp.Registry(), info.export.Signature(), strings.Join(fields, ","))
	if err != nil {
		return callResultMsg{err: err}
	}

	results, err := info.export.Call(ctx, flat)
	if err != nil {
		return callResultMsg{err: err}
	}
	lifted, err := info.export.Lift(results)
	if err != nil {
		return callResultMsg{err: err}
	}
	if len(lifted) == 0 {
		return callResultMsg{result: "ok"}
	}
	var parts []string
	for _, v := range lifted {
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	return callResultMsg{result: strings.Join(parts, ", ")}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if len(m.exports) == 0 {
		return "Linking component..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("canonlink"))
	b.WriteString(" ")
	b.WriteString(strings.Join(m.comp.InstantiationOrder(), " -> "))
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFunc:
		b.WriteString("Select an export to call:\n\n")
		for i, info := range m.exports {
			cursor := "  "
			if i == m.selected {
				cursor = "> "
				b.WriteString(selectedStyle.Render(cursor + m.formatExport(info)))
			} else {
				b.WriteString(cursor + m.formatExport(info))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • q quit"))

	case stateInputArgs:
		info := m.exports[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render(info.label)))
		for i, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString(" ")
			b.WriteString(typeStyle.Render(info.params[i].String()))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter call • esc back"))

	case stateShowResult:
		info := m.exports[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(info.label)))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func (m *interactiveModel) formatExport(info exportInfo) string {
	return funcStyle.Render(info.label) + typeStyle.Render(info.export.Signature().Format(m.comp.Registry()))
}

func runInteractive(modules moduleFlags, manifestFile string) error {
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		return fmt.Errorf("interactive mode requires a terminal")
	}
	p := tea.NewProgram(newInteractiveModel(modules, manifestFile), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
