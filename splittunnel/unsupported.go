package splittunnel

// Unsupported accepts an empty exclusion set and rejects anything else.
type Unsupported struct{}

func (Unsupported) SetExcluded(paths []string) error {
	if len(paths) > 0 {
		return ErrUnsupported
	}
	return nil
}

func (Unsupported) Enforce() error { return nil }

func (Unsupported) Close() error { return nil }
