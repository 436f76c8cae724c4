// Package upperband реализует автомат выхода по возврату цены под верхнюю границу канала.
package upperband

import (
	"time"

	"github.com/skalibog/hurstbot/internal/config"
)

// Phase фаза автомата
type Phase string

const (
	WaitingForExit   Phase = "waiting_for_exit"
	ExitCounting     Phase = "exit_counting"
	WaitingForReturn Phase = "waiting_for_return"
	ReturnCounting   Phase = "return_counting"
)

// State состояние автомата экземпляра
type State struct {
	Phase        Phase     `json:"phase"`
	PhaseStart   time.Time `json:"phase_start_time"`
	TriggerPrice float64   `json:"trigger_price"`
	BandLevel    float64   `json:"band_level"`
	ResetArmed   bool      `json:"reset_condition_met"`
	ResetStart   time.Time `json:"reset_start_time"`
	LastPrice    float64   `json:"last_decision_price"`
}

// Initial исходное состояние
func Initial() State {
	return State{Phase: WaitingForExit}
}

// Thresholds пороги относительно верхней границы и длительности фаз
type Thresholds struct {
	ExitTrigger   float64
	ReturnTrigger float64
	ExitReset     float64
	ReturnReset   float64
	Phase         time.Duration
	Reset         time.Duration
}

// ThresholdsFrom переводит настройки в пороги
func ThresholdsFrom(cfg config.UpperBandConfig) Thresholds {
	return Thresholds{
		ExitTrigger:   cfg.ExitTriggerPct,
		ReturnTrigger: cfg.ReturnTriggerPct,
		ExitReset:     cfg.ExitResetPct,
		ReturnReset:   cfg.ReturnResetPct,
		Phase:         cfg.PhaseDuration,
		Reset:         cfg.ResetDuration,
	}
}

// Transition смена фазы
type Transition struct {
	From Phase
	To   Phase
}

// Decision результат одного шага
type Decision struct {
	State       State
	Transitions []Transition
	Emit        bool
}

// Step применяет минутную цену p к состоянию при верхней границе u.
// Выход из фазы отсчета возможен только по истечении ее длительности.
// После истечения фазы exit_counting та же цена сразу проверяется на порог возврата.
func Step(s State, p, u float64, now time.Time, th Thresholds) Decision {
	d := Decision{State: s}
	d.State.LastPrice = p

	from := d.State.Phase
	emit := step(&d.State, p, u, now, th)
	if d.State.Phase == from {
		return d
	}
	d.Transitions = append(d.Transitions, Transition{From: from, To: d.State.Phase})
	d.Emit = emit

	if from == ExitCounting && d.State.Phase == WaitingForReturn {
		next := d.State.Phase
		step(&d.State, p, u, now, th)
		if d.State.Phase != next {
			d.Transitions = append(d.Transitions, Transition{From: next, To: d.State.Phase})
		}
	}
	return d
}

func step(s *State, p, u float64, now time.Time, th Thresholds) bool {
	switch s.Phase {
	case ExitCounting:
		switch {
		case s.ResetArmed && now.Sub(s.ResetStart) >= th.Reset:
			*s = reset(WaitingForExit, p)
		case !s.ResetArmed && now.Sub(s.PhaseStart) >= th.Phase:
			*s = reset(WaitingForReturn, p)
		case !s.ResetArmed && p <= u*(1-th.ExitReset):
			s.ResetArmed = true
			s.ResetStart = now
		case s.ResetArmed && p > u:
			s.ResetArmed = false
			s.ResetStart = time.Time{}
		}

	case WaitingForReturn:
		if p <= u*(1-th.ReturnTrigger) {
			*s = counting(ReturnCounting, p, u, now)
		}

	case ReturnCounting:
		switch {
		case s.ResetArmed && now.Sub(s.ResetStart) >= th.Reset:
			*s = reset(WaitingForReturn, p)
		case !s.ResetArmed && now.Sub(s.PhaseStart) >= th.Phase:
			*s = reset(WaitingForExit, p)
			return true
		case !s.ResetArmed && p >= u*(1+th.ReturnReset):
			s.ResetArmed = true
			s.ResetStart = now
		case s.ResetArmed && p < u:
			s.ResetArmed = false
			s.ResetStart = time.Time{}
		}

	default:
		if p >= u*(1+th.ExitTrigger) {
			*s = counting(ExitCounting, p, u, now)
		}
	}
	return false
}

func counting(phase Phase, p, u float64, now time.Time) State {
	return State{
		Phase:        phase,
		PhaseStart:   now,
		TriggerPrice: p,
		BandLevel:    u,
		LastPrice:    p,
	}
}

func reset(phase Phase, p float64) State {
	return State{Phase: phase, LastPrice: p}
}
