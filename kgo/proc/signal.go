package proc

import "github.com/ethereum-optimism/sysabi/kgo/abi"

// Handler values with special meaning in a SigAction.
const (
	sigDfl = 0
	sigIgn = 1
)

type action uint8

const (
	actTerminate action = iota
	actIgnore
	actStop
	actContinue
)

func defaultAction(sig int) action {
	switch sig {
	case abi.SIGCHLD, 23, 28: // SIGCHLD, SIGURG, SIGWINCH
		return actIgnore
	case abi.SIGSTOP, 20, 21, 22: // SIGSTOP, SIGTSTP, SIGTTIN, SIGTTOU
		return actStop
	case abi.SIGCONT:
		return actContinue
	default:
		return actTerminate
	}
}

func catchable(sig int) bool {
	return sig != abi.SIGKILL && sig != abi.SIGSTOP
}
