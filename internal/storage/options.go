package storage

const defaultMaxRetries = 16

// Options control storage behaviour across backends.
type Options struct {
	// MaxRetries bounds how often an upsert is retried after losing an
	// optimistic transaction or a uniqueness race.
	MaxRetries int
}

func (o Options) maxRetries() int {
	if o.MaxRetries <= 0 {
		return defaultMaxRetries
	}
	return o.MaxRetries
}
