package voice

// State 会话状态机的状态。
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateIdle
	StateListening
	StateTranscribing
	StateGenerating
	StateSynthesizing
	StateResponding
	StateClosed
)

var stateNames = [...]string{
	StateConnecting:    "CONNECTING",
	StateAuthenticated: "AUTHENTICATED",
	StateIdle:          "IDLE",
	StateListening:     "LISTENING",
	StateTranscribing:  "TRANSCRIBING",
	StateGenerating:    "GENERATING",
	StateSynthesizing:  "SYNTHESIZING",
	StateResponding:    "RESPONDING",
	StateClosed:        "CLOSED",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// AcceptsUtterance 表示当前状态能否开始新的话语。
func (s State) AcceptsUtterance() bool {
	return s == StateIdle || s == StateAuthenticated
}

// InFlight 表示是否有话语正在处理中。
func (s State) InFlight() bool {
	return s >= StateListening && s <= StateResponding
}
