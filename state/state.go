package state

import (
	"errors"
	"fmt"
	"sync"
)

// Status 房间的生命周期状态
type Status string

const (
	StatusLobby   Status = "lobby"
	StatusPlaying Status = "playing"
	StatusEnded   Status = "ended"
)

// ErrTransitionNotAllowed is returned when a state transition is not allowed.
var ErrTransitionNotAllowed = errors.New("state transition not allowed")

// ErrUnknownStatus is returned by ParseStatus for values outside the lifecycle.
var ErrUnknownStatus = errors.New("unknown room status")

// ParseStatus 解析存储中的状态字符串
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusLobby, StatusPlaying, StatusEnded:
		return st, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownStatus, s)
}

func (s Status) String() string { return string(s) }

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool { return s == StatusEnded }

// Machine 状态转换表，fromState -> toState
type Machine struct {
	transitions map[Status]map[Status]struct{}
	mutex       sync.RWMutex
}

func NewMachine() *Machine {
	return &Machine{transitions: make(map[Status]map[Status]struct{})}
}

// RoomLifecycle 房间状态只能前进：lobby -> playing -> ended，
// playing -> playing 表示换题开始新一轮
func RoomLifecycle() *Machine {
	m := NewMachine()
	m.AddTransition(StatusLobby, StatusPlaying)
	m.AddTransition(StatusPlaying, StatusPlaying)
	m.AddTransition(StatusPlaying, StatusEnded)
	return m
}

func (m *Machine) AddTransition(from, to Status) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	if _, exists := m.transitions[from]; !exists {
		m.transitions[from] = make(map[Status]struct{})
	}
	m.transitions[from][to] = struct{}{}
}

func (m *Machine) CanTransition(from, to Status) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	_, ok := m.transitions[from][to]
	return ok
}

// Transition 校验 from -> to 是否允许
func (m *Machine) Transition(from, to Status) error {
	if !m.CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionNotAllowed, from, to)
	}
	return nil
}
