package autosave

import "fmt"

// FetchError wraps a failure to load the settings catalog
type FetchError struct {
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("failed to fetch settings: %v", e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// TransitionError reports an illegal status change
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("illegal autosave transition %s -> %s", e.From, e.To)
}
