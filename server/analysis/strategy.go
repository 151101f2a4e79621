package analysis

import (
	"errors"

	"github.com/san-kum/motion-analysis/server/models"
)

// Strategy selects which keypoint providers a request may use.
type Strategy int

const (
	RemotePreferred Strategy = iota
	LocalOnly
)

func (s Strategy) String() string {
	if s == LocalOnly {
		return "local_only"
	}
	return "remote_preferred"
}

// StrategyFor maps the ML_ENABLED switch onto a strategy.
func StrategyFor(remoteEnabled bool) Strategy {
	if remoteEnabled {
		return RemotePreferred
	}
	return LocalOnly
}

type tier int

const (
	tierNone tier = iota
	tierRemote
	tierLocal
)

func (t tier) String() string {
	switch t {
	case tierRemote:
		return models.SourceRemote
	case tierLocal:
		return models.SourceLocal
	default:
		return "none"
	}
}

func firstTier(s Strategy) tier {
	if s == RemotePreferred {
		return tierRemote
	}
	return tierLocal
}

// nextTier decides where to go after current failed with err. Only an
// unavailable remote service moves on to local inference; every other
// failure is final.
func nextTier(s Strategy, current tier, err error) tier {
	if s == RemotePreferred && current == tierRemote && errors.Is(err, models.ErrInferenceUnavailable) {
		return tierLocal
	}
	return tierNone
}
