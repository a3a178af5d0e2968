package pixcache

import "fmt"

// State is the visual state of a display slot.
type State int

const (
	// StateIdle is a slot that has not been asked to show anything.
	StateIdle State = iota
	// StateLoading is shown while the cache is consulted.
	StateLoading
	// StateShowingPlaceholder shows a low-fidelity image while the final
	// image loads.
	StateShowingPlaceholder
	// StateShowingFinal shows the final image.
	StateShowingFinal
	// StateFailed means no displayable URL exists for the source.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateShowingPlaceholder:
		return "showing-placeholder"
	case StateShowingFinal:
		return "showing-final"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further outcome follows s for the same request.
func (s State) Terminal() bool {
	return s == StateShowingFinal || s == StateFailed
}

// Outcome is one step of a load as seen by the presentation layer.
type Outcome struct {
	State State
	// URL is the image to display: a data URL for cached or freshly
	// re-encoded images, otherwise a fetchable URL.
	URL string
	// FromCache reports that URL came from the persistent cache.
	FromCache bool
	// Cacheable reports that URL is a re-encoded payload eligible for the
	// cache. A write may still have been skipped for lack of space.
	Cacheable bool
	// Err explains a StateFailed outcome.
	Err error
}

func (o Outcome) String() string {
	if o.URL == "" {
		return o.State.String()
	}
	url := o.URL
	if len(url) > 64 {
		url = url[:61] + "..."
	}
	return fmt.Sprintf("%s(%s)", o.State, url)
}
