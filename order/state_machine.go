package order

import (
	"fmt"
	"sync"
)

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// StateMachine 订单状态机
type StateMachine struct {
	transitions map[StateTransition]bool
	mu          sync.RWMutex
}

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[StateTransition]bool),
	}
	sm.initializeTransitions()
	return sm
}

// initializeTransitions 初始化所有合法的状态转换
func (sm *StateMachine) initializeTransitions() {
	legalTransitions := []StateTransition{
		// 池内挂单
		{StatusPending, StatusMatched},
		{StatusPending, StatusExecuted},
		{StatusPending, StatusFailed},
		{StatusPending, StatusExpired},
		{StatusPending, StatusCanceled},
		{StatusPending, StatusModified},

		// 撮合中：成交、失败，或部分成交后剩余量回到池内
		{StatusMatched, StatusPending},
		{StatusMatched, StatusExecuted},
		{StatusMatched, StatusFailed},

		// 修改完成后继续挂单
		{StatusModified, StatusPending},

		// 已在交易场所的订单可被撤销/平仓
		{StatusExecuted, StatusCanceled},

		// 终态不能转换（FAILED, EXPIRED, CANCELED）
	}

	for _, t := range legalTransitions {
		sm.transitions[t] = true
	}
}

// ValidateTransition 验证状态转换是否合法
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	// 相同状态允许（幂等性）
	if from == to {
		return nil
	}

	transition := StateTransition{From: from, To: to}
	if !sm.transitions[transition] {
		return fmt.Errorf("illegal state transition: %s -> %s", from, to)
	}

	return nil
}

// IsFinalState 判断是否是终态
func (sm *StateMachine) IsFinalState(status Status) bool {
	switch status {
	case StatusFailed, StatusExpired, StatusCanceled:
		return true
	default:
		return false
	}
}

// IsLive 仅 PENDING 的订单参与撮合与触发。
func (sm *StateMachine) IsLive(status Status) bool {
	return status == StatusPending
}

var lifecycle = NewStateMachine()

// Transition 校验并更新订单状态。
func (o *PendingOrder) Transition(to Status) error {
	if err := lifecycle.ValidateTransition(o.Status, to); err != nil {
		return fmt.Errorf("order %s: %w", o.ID, err)
	}
	o.Status = to
	return nil
}
