package ui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/skalibog/hurstbot/internal/config"
	"github.com/skalibog/hurstbot/internal/engine"
	"github.com/skalibog/hurstbot/internal/signals/upperband"
	"github.com/skalibog/hurstbot/pkg/logger"
	"github.com/skalibog/hurstbot/pkg/models"
	"go.uber.org/zap"
)

// Стили UI
var (
	primaryColor   = lipgloss.Color("#0077cc")
	secondaryColor = lipgloss.Color("#333333")
	errorColor     = lipgloss.Color("#cc3300")
	successColor   = lipgloss.Color("#33cc33")
	warningColor   = lipgloss.Color("#cccc00")

	appStyle = lipgloss.NewStyle().
			Padding(1, 2).
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor)
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(primaryColor).
			Padding(0, 1).
			Align(lipgloss.Center)
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#ffffff")).
			Background(secondaryColor).
			Padding(0, 1)
	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(secondaryColor).
			Padding(0, 1)
	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#999999")).
			Padding(0, 1)
	selectedStyle = lipgloss.NewStyle().Background(lipgloss.Color("#222222"))
)

const maxSignals = 20

// StatusSource источник сводки по экземплярам
type StatusSource interface {
	Status(ctx context.Context) ([]engine.Status, error)
}

// Сообщения для обновления UI
type (
	tickMsg   time.Time
	statusMsg struct {
		statuses []engine.Status
		err      error
	}
	signalMsg struct{ signal *models.Signal }
)

// TermUI терминальная панель: экземпляры, фазы автомата, балансы, поток сигналов
type TermUI struct {
	src     StatusSource
	signals <-chan *models.Signal
	refresh time.Duration
}

// NewTermUI создает панель. signals обычно канал Router.Subscribe.
func NewTermUI(cfg config.UIConfig, src StatusSource, signals <-chan *models.Signal) *TermUI {
	refresh := time.Duration(cfg.RefreshRate) * time.Millisecond
	if refresh <= 0 {
		refresh = time.Second
	}
	return &TermUI{src: src, signals: signals, refresh: refresh}
}

// Run показывает панель до выхода пользователя или отмены контекста
func (ui *TermUI) Run(ctx context.Context) error {
	program := tea.NewProgram(newModel(ui.src, ui.refresh), tea.WithAltScreen(), tea.WithContext(ctx))

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-ui.signals:
				if !ok {
					return
				}
				program.Send(signalMsg{signal: sig})
			}
		}
	}()

	if _, err := program.Run(); err != nil && ctx.Err() == nil {
		logger.Error("Ошибка UI", zap.Error(err))
		return fmt.Errorf("ошибка UI: %w", err)
	}
	return nil
}

// model модель bubbletea
type model struct {
	src      StatusSource
	refresh  time.Duration
	statuses []engine.Status
	signals  []*models.Signal
	selected int
	width    int
	height   int
	err      error
}

func newModel(src StatusSource, refresh time.Duration) model {
	return model{src: src, refresh: refresh, width: 120, height: 40}
}

func (m model) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		statuses, err := m.src.Status(ctx)
		return statusMsg{statuses: statuses, err: err}
	}
}

func (m model) tick() tea.Cmd {
	return tea.Tick(m.refresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up":
			m.selected = max(0, m.selected-1)
		case "down":
			m.selected = max(0, min(len(m.statuses)-1, m.selected+1))
		case "r":
			return m, m.fetch()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())

	case statusMsg:
		m.err = msg.err
		if msg.err == nil {
			m.statuses = msg.statuses
			if m.selected >= len(m.statuses) {
				m.selected = max(0, len(m.statuses)-1)
			}
		}

	case signalMsg:
		m.signals = append([]*models.Signal{msg.signal}, m.signals...)
		if len(m.signals) > maxSignals {
			m.signals = m.signals[:maxSignals]
		}
	}
	return m, nil
}

func (m model) View() string {
	title := titleStyle.Render("HurstBot - адаптивный канал Херста")
	footer := footerStyle.Render("Клавиши: ↑/↓ - навигация, R - обновить, Q - выход")
	if m.err != nil {
		footer = lipgloss.JoinVertical(lipgloss.Left,
			lipgloss.NewStyle().Foreground(errorColor).Render("Ошибка: "+m.err.Error()),
			footer)
	}

	return appStyle.Render(
		lipgloss.JoinVertical(lipgloss.Left,
			title,
			"\n",
			renderInstances(m.statuses, m.selected),
			"\n",
			renderSignals(m.signals),
			"\n",
			footer,
		),
	)
}

func renderInstances(statuses []engine.Status, selected int) string {
	header := headerStyle.Render("ЭКЗЕМПЛЯРЫ")
	content := strings.Builder{}

	if len(statuses) == 0 {
		content.WriteString("  Нет экземпляров\n")
	}
	for i, st := range statuses {
		inst := st.Instance
		f := inst.Financials

		line := fmt.Sprintf("  %-10s %s  баланс: %.2f  свободно: %.2f  в позиции: %.2f  фаза: %s",
			inst.Symbol, formatState(st), f.CurrentBalance, f.AvailableBalance, f.LockedBalance, formatPhase(st.Phase))
		if h := channel(st.Snapshot); h != "" {
			line += "  " + h
		}
		if inst.ActivePosition != nil {
			line += fmt.Sprintf("  входов: %d  средняя: %.4f", inst.ActivePosition.EntryCount, inst.ActivePosition.AverageEntryPrice)
		}
		if st.Trailing.Armed {
			line += fmt.Sprintf("  трейлинг: %.4f", st.Trailing.Highest)
		}
		if st.Cooldown != nil {
			line += "  пауза до " + st.Cooldown.EndTime.Format("02.01 15:04")
		}

		if i == selected {
			line = selectedStyle.Render("> " + line[2:])
		}
		content.WriteString(line + "\n")
	}

	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, header, content.String()))
}

func renderSignals(signals []*models.Signal) string {
	header := headerStyle.Render("СИГНАЛЫ")
	content := strings.Builder{}

	if len(signals) == 0 {
		content.WriteString("  Ожидание сигналов...\n")
	}
	for _, sig := range signals {
		line := fmt.Sprintf("  [%s] %-10s %s %s цена: %.4f сумма: %.2f",
			sig.Timestamp.Format("15:04:05"), sig.Symbol, formatSignalType(sig.Type), sig.SubType, sig.Price, sig.Amount)
		if sig.Profit != nil {
			line += fmt.Sprintf(" прибыль: %.2f", *sig.Profit)
		}
		if sig.Status == models.SignalCanceled {
			line = lipgloss.NewStyle().Foreground(warningColor).Render(line + " (отменен)")
		}
		content.WriteString(line + "\n")
	}

	return sectionStyle.Render(lipgloss.JoinVertical(lipgloss.Left, header, content.String()))
}

func formatState(st engine.Status) string {
	if st.Running {
		return lipgloss.NewStyle().Foreground(successColor).Render("работает")
	}
	return lipgloss.NewStyle().Foreground(warningColor).Render(string(st.Instance.Status))
}

func formatPhase(p upperband.Phase) string {
	switch p {
	case upperband.ExitCounting, upperband.ReturnCounting:
		return lipgloss.NewStyle().Foreground(warningColor).Bold(true).Render(string(p))
	case upperband.WaitingForReturn:
		return lipgloss.NewStyle().Foreground(warningColor).Render(string(p))
	default:
		return string(p)
	}
}

func formatSignalType(t models.SignalType) string {
	switch t {
	case models.SignalEntry:
		return lipgloss.NewStyle().Foreground(successColor).Bold(true).Render("ВХОД")
	case models.SignalExit:
		return lipgloss.NewStyle().Foreground(errorColor).Bold(true).Render("ВЫХОД")
	default:
		return lipgloss.NewStyle().Foreground(warningColor).Render("ОТКАЗ")
	}
}

func channel(snap *models.IndicatorSnapshot) string {
	if snap == nil || snap.Hurst == nil {
		return ""
	}
	h := snap.Hurst
	return fmt.Sprintf("канал: %.4f / %.4f (H=%.2f)", h.LowerBand, h.UpperBand, h.HurstExponent)
}
