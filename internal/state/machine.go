package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
)

// 设备同步周期状态常量
const (
	StateIdle       = "idle"
	StateFetching   = "fetching"
	StateForwarding = "forwarding"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// 事件常量
const (
	EventStartFetch   = "start_fetch"
	EventStartForward = "start_forward"
	EventComplete     = "complete"
	EventFail         = "fail"
	EventReset        = "reset"
)

// DeviceSyncState 设备同步状态
type DeviceSyncState struct {
	IMEI             string    `json:"imei"`
	CurrentState     string    `json:"state"`
	Since            time.Time `json:"since"`
	LastCheckpoint   int64     `json:"last_checkpoint"`
	LastObservations int       `json:"last_observations"`
	LastError        string    `json:"last_error,omitempty"`
}

// Machine 设备同步状态机
type Machine struct {
	mu            sync.RWMutex
	imei          string
	fsm           *fsm.FSM
	state         *DeviceSyncState
	onStateChange func(imei string, from, to string)
}

// NewMachine 创建状态机
func NewMachine(imei string, onStateChange func(imei string, from, to string)) *Machine {
	m := &Machine{
		imei:          imei,
		onStateChange: onStateChange,
		state: &DeviceSyncState{
			IMEI:         imei,
			CurrentState: StateIdle,
			Since:        time.Now(),
		},
	}

	m.fsm = fsm.NewFSM(
		StateIdle,
		fsm.Events{
			// 周期开始
			{Name: EventStartFetch, Src: []string{StateIdle, StateCompleted, StateFailed}, Dst: StateFetching},

			// 拉取成功进入转发
			{Name: EventStartForward, Src: []string{StateFetching}, Dst: StateForwarding},

			// 周期结束
			{Name: EventComplete, Src: []string{StateFetching, StateForwarding}, Dst: StateCompleted},
			{Name: EventFail, Src: []string{StateFetching, StateForwarding}, Dst: StateFailed},

			// 回到空闲
			{Name: EventReset, Src: []string{StateCompleted, StateFailed}, Dst: StateIdle},
		},
		fsm.Callbacks{
			"after_event": func(ctx context.Context, e *fsm.Event) {
				if m.onStateChange != nil && e.Src != e.Dst {
					m.onStateChange(m.imei, e.Src, e.Dst)
				}
			},
		},
	)

	return m
}

// CurrentState 获取当前状态
func (m *Machine) CurrentState() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Current()
}

// GetState 获取完整状态
func (m *Machine) GetState() *DeviceSyncState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	// 返回副本
	stateCopy := *m.state
	stateCopy.CurrentState = m.fsm.Current()
	return &stateCopy
}

// UpdateState 更新状态数据
func (m *Machine) UpdateState(update func(s *DeviceSyncState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	update(m.state)
}

// Trigger 触发事件
func (m *Machine) Trigger(event string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.fsm.Event(context.Background(), event); err != nil {
		return fmt.Errorf("trigger event %s: %w", event, err)
	}

	m.state.CurrentState = m.fsm.Current()
	m.state.Since = time.Now()
	return nil
}

// CanTransition 检查是否可以转换
func (m *Machine) CanTransition(event string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.Can(event)
}

// Manager 状态机管理器，按设备 IMEI 索引
type Manager struct {
	mu       sync.RWMutex
	machines map[string]*Machine
	onChange func(imei string, from, to string)
}

// NewManager 创建管理器
func NewManager(onChange func(imei string, from, to string)) *Manager {
	return &Manager{
		machines: make(map[string]*Machine),
		onChange: onChange,
	}
}

// GetOrCreate 获取或创建状态机
func (m *Manager) GetOrCreate(imei string) *Machine {
	m.mu.Lock()
	defer m.mu.Unlock()

	if machine, ok := m.machines[imei]; ok {
		return machine
	}

	machine := NewMachine(imei, m.onChange)
	m.machines[imei] = machine
	return machine
}

// Get 获取状态机
func (m *Manager) Get(imei string) (*Machine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	machine, ok := m.machines[imei]
	return machine, ok
}

// GetAllStates 获取所有设备同步状态
func (m *Manager) GetAllStates() map[string]*DeviceSyncState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	states := make(map[string]*DeviceSyncState)
	for imei, machine := range m.machines {
		states[imei] = machine.GetState()
	}
	return states
}
