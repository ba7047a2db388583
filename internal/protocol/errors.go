package protocol

const (
	// Protocol/transport validation.
	ErrProtoBadRequest = "E_PROTO_BAD_REQUEST"
	ErrProtoVersion    = "E_PROTO_VERSION"

	// Channel routing.
	ErrNotJoined      = "E_NOT_JOINED"
	ErrChannelDenied  = "E_CHANNEL_DENIED"
	ErrChannelLimit   = "E_CHANNEL_LIMIT"
	ErrUnknownChannel = "E_UNKNOWN_CHANNEL"

	// Generic.
	ErrBadRequest = "E_BAD_REQUEST"
	ErrRateLimit  = "E_RATE_LIMIT"
	ErrInternal   = "E_INTERNAL"
)

var knownCodes = map[string]struct{}{
	ErrProtoBadRequest: {},
	ErrProtoVersion:    {},
	ErrNotJoined:       {},
	ErrChannelDenied:   {},
	ErrChannelLimit:    {},
	ErrUnknownChannel:  {},
	ErrBadRequest:      {},
	ErrRateLimit:       {},
	ErrInternal:        {},
}

func IsKnownCode(code string) bool {
	if code == "" {
		return true
	}
	_, ok := knownCodes[code]
	return ok
}
