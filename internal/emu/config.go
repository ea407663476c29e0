package emu

// Config contains settings that affect emulation behavior.
type Config struct {
	Trace        bool // reserved for a future CPU instruction tracer; unused today
	LimitFPS     bool // not read by Machine; frame pacing is left to the caller
	UseFetcherBG bool // passed to machine.Config, where it has no effect
}
