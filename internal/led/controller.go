package led

// Pattern is what an LED shows.
type Pattern string

const (
	PatternOff       Pattern = "off"
	PatternSolid     Pattern = "solid"
	PatternBlink     Pattern = "blink"
	PatternHeartbeat Pattern = "heartbeat"
)

// Controller abstracts LED hardware control across SBC boards.
type Controller interface {
	// Set shows pattern on the LED named by a board-independent role such
	// as "status".
	Set(role string, pattern Pattern) error

	// Available returns the LED roles this controller drives.
	Available() []string
}
