package pairsig

// Control event names carried in the session's internal framing.
const (
	// EventRegister announces the pairing to the server right after the
	// link opens.
	EventRegister = "register"
	// EventSignal forwards peer negotiation payload for the session
	// layer on the far side.
	EventSignal = "signal"
)

// Handshake sentinels: the server's verdict is the literal payload of
// the very first frame after registration.
const (
	FrameBound   = "pairing-bound"
	FrameInvalid = "pairing-invalid"
)
