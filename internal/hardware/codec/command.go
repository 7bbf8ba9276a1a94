package codec

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nerrad567/parkgate-core/internal/hardware/hwerr"
)

// Verb is a host to device command word.
type Verb string

const (
	VerbOpen   Verb = "OPEN"
	VerbClose  Verb = "CLOSE"
	VerbStatus Verb = "STATUS"
	VerbPrint  Verb = "PRINT"
)

// Valid reports whether v is a known verb.
func (v Verb) Valid() bool {
	switch v {
	case VerbOpen, VerbClose, VerbStatus, VerbPrint:
		return true
	}
	return false
}

// Command is one issuance of a verb. It is immutable once created; retries
// issue a fresh Command with a new ID.
type Command struct {
	ID       string
	Verb     Verb
	Payload  string
	IssuedAt time.Time
}

// NewCommand creates a command with a unique ID.
func NewCommand(verb Verb, payload string) Command {
	return Command{
		ID:       uuid.NewString(),
		Verb:     verb,
		Payload:  payload,
		IssuedAt: time.Now(),
	}
}

// OpenCommand, CloseCommand, StatusCommand and PrintCommand build the
// standard commands.
func OpenCommand() Command   { return NewCommand(VerbOpen, "") }
func CloseCommand() Command  { return NewCommand(VerbClose, "") }
func StatusCommand() Command { return NewCommand(VerbStatus, "") }

func PrintCommand(data string) Command { return NewCommand(VerbPrint, data) }

// Reissue returns a copy of c with a new ID and issue time.
func (c Command) Reissue() Command {
	return NewCommand(c.Verb, c.Payload)
}

// Encode returns the wire form of the command without the line terminator.
//
// Only PRINT carries a payload. A payload containing a line terminator would
// split into two commands on the wire and is rejected.
func (c Command) Encode() (string, error) {
	if !c.Verb.Valid() {
		return "", fmt.Errorf("%w: unknown verb %q", hwerr.ErrProtocol, c.Verb)
	}
	if strings.ContainsAny(c.Payload, "\r\n") {
		return "", fmt.Errorf("%w: payload contains line terminator", hwerr.ErrProtocol)
	}
	if c.Verb == VerbPrint {
		return string(VerbPrint) + ":" + c.Payload, nil
	}
	if c.Payload != "" {
		return "", fmt.Errorf("%w: %s takes no payload", hwerr.ErrProtocol, c.Verb)
	}
	return string(c.Verb), nil
}

// Match is the outcome of checking a response line against a command.
type Match int

const (
	// MatchAccept means the response answers the command.
	MatchAccept Match = iota

	// MatchStray means the response belongs to a different command
	// (typically a late answer to one that already timed out).
	MatchStray

	// MatchMalformed means the response class fits but its payload does
	// not follow the grammar.
	MatchMalformed
)

// Match checks whether msg is a valid answer to c.
//
//   - ERR: answers any command.
//   - STATUS expects STATUS:<gate>:<vehicle>.
//   - OPEN, CLOSE and PRINT expect OK:. When the OK payload names a
//     different verb (OK:CLOSE while waiting for OPEN) it is stray.
func (c Command) Match(msg Message) Match {
	switch msg.Class {
	case ClassErr:
		return MatchAccept
	case ClassStatus:
		if c.Verb != VerbStatus {
			return MatchStray
		}
		if _, err := ParseStatus(msg.Payload); err != nil {
			return MatchMalformed
		}
		return MatchAccept
	case ClassOK:
		if c.Verb == VerbStatus {
			return MatchStray
		}
		echoed, _, _ := strings.Cut(msg.Payload, ":")
		echoedVerb := Verb(strings.TrimSpace(echoed))
		if echoedVerb.Valid() && echoedVerb != c.Verb {
			return MatchStray
		}
		return MatchAccept
	default:
		return MatchStray
	}
}
