package constants

import "time"

// Remote API defaults
const (
	// DefaultAPIBaseURL is the endpoint every method name is appended to
	DefaultAPIBaseURL = "https://api.vk.com/method"
	// DefaultAPIVersion is the API version sent with every call
	DefaultAPIVersion = "5.199"
	// DefaultAPITimeout bounds a single non-long-poll API call
	DefaultAPITimeout = 30 * time.Second
)

// Long-poll defaults
const (
	// DefaultLongPollWait is the server-side wait in seconds sent as "wait"
	DefaultLongPollWait = 25
	// LongPollTimeoutSlack is added to the wait to form the client read timeout
	LongPollTimeoutSlack = 10 * time.Second
	// DefaultLongPollMode is the mode bitmask for user sessions (attachments + extended events)
	DefaultLongPollMode = 2 | 8 | 64 | 128
	// LongPollVersion is the user long-poll protocol version
	LongPollVersion = 3
	// DefaultBackoffInitial is the first delay after a transport failure
	DefaultBackoffInitial = 1 * time.Second
	// DefaultBackoffMax caps the delay between transport retries
	DefaultBackoffMax = 30 * time.Second
	// DefaultLongPollMaxRetries is the number of consecutive transport failures tolerated
	DefaultLongPollMaxRetries = 8
)

// Dispatch limits
const (
	// DefaultMaxInFlight caps concurrently handled events per engine
	DefaultMaxInFlight = 256
	// DefaultFanoutLimit caps concurrent tasks inside one package fan-out
	DefaultFanoutLimit = 64
	// DefaultHandlerTimeout bounds the handling of a single event
	DefaultHandlerTimeout = 60 * time.Second
	// DuplicateEventWindow is how long callback event ids are remembered
	DuplicateEventWindow = 5 * time.Minute
)

// Message limits
const (
	// MaxMessageLength is the platform's message character limit
	MaxMessageLength = 4096
	// ChatPeerOffset is the first peer id that denotes a multi-user chat
	ChatPeerOffset = 2000000000
)

// Callback server
const (
	// DefaultCallbackPath is the path the callback server listens on
	DefaultCallbackPath = "/callback"
	// CallbackShutdownTimeout bounds graceful shutdown of the callback server
	CallbackShutdownTimeout = 5 * time.Second
	// MaxCallbackBodySize limits pushed event bodies
	MaxCallbackBodySize = 1 << 20
	// InjectHTTPTimeout bounds one `vkbot inject` request
	InjectHTTPTimeout = 10 * time.Second
)

// Token masking
const (
	// MinSecretLengthForMasking is the minimum token length to apply masking
	MinSecretLengthForMasking = 10
	// SecretMaskPrefixLength is the length of prefix to show before masking
	SecretMaskPrefixLength = 4
	// SecretMaskSuffixLength is the length of suffix to show after masking
	SecretMaskSuffixLength = 4
)

// Logging defaults
const (
	// DefaultLogMaxSize is the default maximum log file size in MB
	DefaultLogMaxSize = 100
	// DefaultLogMaxAge is the default maximum number of days to retain old logs
	DefaultLogMaxAge = 30
)
