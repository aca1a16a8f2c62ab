// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package display owns the page-based navigation state machine and the
// display thread. Creating or popping a page is the only way the UI
// requests that the sampler switch counter configurations.
package display

import "github.com/antimetal/numascope/pkg/perf"

// CommandID enumerates every navigation command.
type CommandID int

const (
	CmdInvalid CommandID = iota
	CmdHome
	CmdIRNormalize
	CmdMonitor
	CmdThreads
	CmdLatency
	CmdLatencyNode
	CmdNodeOverview
	CmdNodeDetail
	CmdCallchain
	CmdLLCallchain
	CmdAccessDst
	CmdPQoSCMT
	CmdPQoSMBM
	Cmd1
	Cmd2
	Cmd3
	Cmd4
	Cmd5
	CmdRefresh
	CmdQuit
	CmdBack
	CmdResize

	NumCommands
)

// Command is the typed union carried by a page: the command id plus the
// parameters the target view needs.
type Command struct {
	ID CommandID

	PID int
	TID int

	NodeID int

	// Buffer identity for the latency call-chain view.
	Addr uint64
	Size uint64

	// Counter selection for the call-chain view.
	UICounter perf.UICounterID
}

// Keyboard mapping. The call-chain key is context sensitive and resolved
// against the current view type.
const (
	keyHome        = 'h'
	keyRefresh     = 'r'
	keyQuit        = 'q'
	keyBack        = 'b'
	keyLatency     = 'l'
	keyIRNormalize = 'i'
	keyNodeOvw     = 'n'
	keyCallchain   = 'c'
	keyAccessDst   = 'd'
	keyPQoSCMT     = 'o'
	keyPQoSMBM     = 'm'
)

// CommandForKey translates a keystroke into a command id. The call-chain
// key resolves against the current view; unknown keys return CmdInvalid,
// which the console ignores.
func CommandForKey(ch byte, current ViewType, cmtSupported bool) CommandID {
	switch ch {
	case keyHome:
		return CmdHome
	case keyRefresh:
		return CmdRefresh
	case keyQuit:
		return CmdQuit
	case keyBack:
		return CmdBack
	case keyLatency:
		return CmdLatency
	case keyIRNormalize:
		return CmdIRNormalize
	case keyNodeOvw:
		return CmdNodeOverview
	case keyAccessDst:
		return CmdAccessDst
	case keyCallchain:
		switch current {
		case ViewMoniProc, ViewMoniThread:
			return CmdCallchain
		case ViewLatProc, ViewLatThread:
			return CmdLLCallchain
		default:
			return CmdInvalid
		}
	case keyPQoSCMT:
		if cmtSupported {
			return CmdPQoSCMT
		}
		return CmdInvalid
	case keyPQoSMBM:
		if cmtSupported {
			return CmdPQoSMBM
		}
		return CmdInvalid
	case '1':
		return Cmd1
	case '2':
		return Cmd2
	case '3':
		return Cmd3
	case '4':
		return Cmd4
	case '5':
		return Cmd5
	default:
		return CmdInvalid
	}
}
