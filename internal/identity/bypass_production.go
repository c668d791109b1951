//go:build production

package identity

// Production builds carry no bypass strategy at all.
func newBypass(BypassConfig) (Strategy, error) {
	return nil, ErrBypassUnavailable
}
