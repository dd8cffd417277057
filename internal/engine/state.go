package engine

import (
	"fmt"
	"sync/atomic"
)

// SyncState — состояние контроллера передачи Sync/Follow_Up канала.
type SyncState uint8

const (
	StateIdle SyncState = iota
	StateWaitEgressTimestamp
	StateReadyForFollowUp
	StateReadyForPortRelay
	StateWaitSwitchIngressTimestamp
	StateReadyForBridgeSync
)

func (s SyncState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitEgressTimestamp:
		return "wait_egress_timestamp"
	case StateReadyForFollowUp:
		return "ready_for_follow_up"
	case StateReadyForPortRelay:
		return "ready_for_port_relay"
	case StateWaitSwitchIngressTimestamp:
		return "wait_switch_ingress_timestamp"
	case StateReadyForBridgeSync:
		return "ready_for_bridge_sync"
	}
	return fmt.Sprintf("SyncState(%d)", uint8(s))
}

// PortState — состояние меток порта коммутатора.
type PortState uint8

const (
	PortIdle PortState = iota
	PortWaitIngress
	PortValidIngress
	PortWaitEgress
	PortReadyForFollowUp
)

func (s PortState) String() string {
	switch s {
	case PortIdle:
		return "idle"
	case PortWaitIngress:
		return "wait_ingress"
	case PortValidIngress:
		return "valid_ingress"
	case PortWaitEgress:
		return "wait_egress"
	case PortReadyForFollowUp:
		return "ready_for_follow_up"
	}
	return fmt.Sprintf("PortState(%d)", uint8(s))
}

// TxFlag — кадр, ожидающий передачи.
type TxFlag uint32

const (
	TxSync TxFlag = 1 << iota
	TxFollowUp
	TxPdelayReq
	TxPdelayResp
	TxPdelayRespFollowUp
	TxAnnounce
)

// debounced — кадры, передача которых ждёт окончания debounce.
const debounced = TxSync | TxFollowUp

// txFlags — набор флагов, который планировщик читает без блокировки канала.
type txFlags struct{ v atomic.Uint32 }

func (f *txFlags) set(b TxFlag) {
	for {
		old := f.v.Load()
		if f.v.CompareAndSwap(old, old|uint32(b)) {
			return
		}
	}
}

func (f *txFlags) clear(b TxFlag) {
	for {
		old := f.v.Load()
		if f.v.CompareAndSwap(old, old&^uint32(b)) {
			return
		}
	}
}

func (f *txFlags) has(b TxFlag) bool { return TxFlag(f.v.Load())&b != 0 }

func (f *txFlags) load() TxFlag { return TxFlag(f.v.Load()) }

func (f *txFlags) reset() { f.v.Store(0) }
