package agent

import (
	"github.com/cockroachdb/errors"
)

// ErrTurnLimit is returned when the model keeps requesting tools past the
// configured turn budget. The partial conversation is returned with it.
var ErrTurnLimit = errors.New("turn limit exceeded")
