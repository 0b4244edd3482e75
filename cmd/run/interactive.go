package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/seakeel/plugin-runtime/manifest"
	"github.com/seakeel/plugin-runtime/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	actionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	stateStyle = lipgloss.NewStyle().
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

// reservedExports are called by the runtime itself and not offered in
// the action list; their shapes differ from dispatch handlers.
var reservedExports = map[string]bool{
	"plugin_id":      true,
	"plugin_name":    true,
	"plugin_schema":  true,
	"plugin_start":   true,
	"plugin_stop":    true,
	"plugin_poll":    true,
	"delta_handler":  true,
	"http_endpoints": true,
	"allocate":       true,
	"deallocate":     true,
	"_initialize":    true,
	"_start":         true,
}

// action is one menu entry: a lifecycle verb, or a handler export
// called with a JSON payload.
type action struct {
	label  string
	export string
}

type interactiveModel struct {
	err          error
	mgr          *runtime.Manager
	inst         *runtime.Instance
	id           string
	manifestFile string
	entry        string
	configStr    string
	dataDir      string
	result       string
	actions      []action
	input        textinput.Model
	selected     int
	state        modelState
}

type modelState int

const (
	stateSelectAction modelState = iota
	stateInputArgs
	stateShowResult
)

func newInteractiveModel(manifestFile, wasmFile, configStr, dataDir string) *interactiveModel {
	return &interactiveModel{
		manifestFile: manifestFile,
		entry:        wasmFile,
		configStr:    configStr,
		dataDir:      dataDir,
		state:        stateSelectAction,
	}
}

type loadedMsg struct {
	err     error
	mgr     *runtime.Manager
	inst    *runtime.Instance
	id      string
	entry   string
	actions []action
}

type callResultMsg struct {
	err    error
	result string
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadPlugin
}

func (m *interactiveModel) loadPlugin() tea.Msg {
	ctx := context.Background()

	man, err := manifest.Load(m.manifestFile)
	if err != nil {
		return loadedMsg{err: err}
	}
	entry := man.Entry
	if m.entry != "" {
		entry = m.entry
	}
	code, err := os.ReadFile(entry)
	if err != nil {
		return loadedMsg{err: err}
	}

	mgr, err := runtime.NewManager(ctx, runtime.Deps{
		Model:   printModel{},
		Config:  newMemConfig(),
		DataDir: m.dataDir,
		HTTP:    http.DefaultClient,
	})
	if err != nil {
		return loadedMsg{err: err}
	}

	inst, err := mgr.Load(ctx, man, code)
	if err != nil {
		mgr.Close(ctx)
		return loadedMsg{err: err}
	}

	actions := []action{
		{label: "start"},
		{label: "stop"},
		{label: "reload"},
	}
	var handlers []string
	for _, e := range inst.Info().Exports {
		if reservedExports[e] || strings.HasPrefix(e, "asyncify_") {
			continue
		}
		handlers = append(handlers, e)
	}
	sort.Strings(handlers)
	for _, e := range handlers {
		actions = append(actions, action{label: e, export: e})
	}

	return loadedMsg{mgr: mgr, inst: inst, id: inst.ID(), entry: entry, actions: actions}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.state == stateInputArgs && msg.String() == "q" {
				break
			}
			if m.mgr != nil {
				m.mgr.Close(context.Background())
			}
			return m, tea.Quit

		case "up", "k":
			if m.state == stateSelectAction && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectAction && m.selected < len(m.actions)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectAction:
				if len(m.actions) == 0 {
					break
				}
				if m.actions[m.selected].export == "" {
					return m, m.runAction
				}
				m.prepareInput()
				m.state = stateInputArgs

			case stateInputArgs:
				return m, m.runAction

			case stateShowResult:
				m.state = stateSelectAction
				m.result = ""
				m.err = nil
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectAction
			case stateShowResult:
				m.state = stateSelectAction
				m.result = ""
				m.err = nil
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.mgr = msg.mgr
		m.inst = msg.inst
		m.id = msg.id
		m.entry = msg.entry
		m.actions = msg.actions

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputArgs {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *interactiveModel) prepareInput() {
	ti := textinput.New()
	ti.Placeholder = "{}"
	ti.Prompt = "input: "
	ti.Width = 60
	ti.Focus()
	m.input = ti
}

func (m *interactiveModel) runAction() tea.Msg {
	ctx := context.Background()
	a := m.actions[m.selected]

	if a.export != "" {
		payload := m.input.Value()
		if payload == "" {
			payload = "{}"
		}
		out, err := m.mgr.CallString(ctx, m.id, a.export, payload)
		if err != nil {
			return callResultMsg{err: err}
		}
		return callResultMsg{result: out}
	}

	switch a.label {
	case "start":
		var cfg json.RawMessage
		if m.configStr != "" {
			cfg = json.RawMessage(m.configStr)
		}
		if err := m.mgr.Start(ctx, m.id, cfg); err != nil {
			return callResultMsg{err: err}
		}
		return callResultMsg{result: "started"}

	case "stop":
		if err := m.mgr.Stop(ctx, m.id); err != nil {
			return callResultMsg{err: err}
		}
		return callResultMsg{result: "stopped"}

	case "reload":
		code, err := os.ReadFile(m.entry)
		if err != nil {
			return callResultMsg{err: err}
		}
		if err := m.mgr.Reload(ctx, m.id, code); err != nil {
			return callResultMsg{err: err}
		}
		return callResultMsg{result: "reloaded"}
	}
	return callResultMsg{err: fmt.Errorf("unknown action %q", a.label)}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if m.inst == nil {
		return "Loading plugin..."
	}

	info := m.inst.Info()
	var b strings.Builder

	b.WriteString(titleStyle.Render("Plugin Runner"))
	b.WriteString(" ")
	b.WriteString(info.ID)
	b.WriteString("  ")
	b.WriteString(m.renderState(info.State))
	if info.Status != "" {
		b.WriteString("  ")
		b.WriteString(helpStyle.Render(info.Status))
	}
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectAction:
		b.WriteString("Select an action:\n\n")
		for i, a := range m.actions {
			line := actionStyle.Render(a.label)
			if a.export != "" {
				line = actionStyle.Render(a.label) + stateStyle.Render(" (json)")
			}
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + a.label))
			} else {
				b.WriteString("  " + line)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter run • q quit"))

	case stateInputArgs:
		a := m.actions[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", actionStyle.Render(a.export)))
		b.WriteString(m.input.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter call • esc back"))

	case stateShowResult:
		a := m.actions[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", actionStyle.Render(a.label)))
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

func (m *interactiveModel) renderState(s runtime.State) string {
	switch s {
	case runtime.StateRunning:
		return resultStyle.Render(string(s))
	case runtime.StateCrashed, runtime.StateDisabled:
		return errorStyle.Render(string(s))
	default:
		return stateStyle.Render(string(s))
	}
}

func runInteractive(manifestFile, wasmFile, configStr, dataDir string) error {
	p := tea.NewProgram(newInteractiveModel(manifestFile, wasmFile, configStr, dataDir), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
