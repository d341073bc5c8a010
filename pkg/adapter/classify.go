package adapter

import "strings"

// Band is the severity class a request failure falls into.
type Band int

const (
	// BandNone marks errors the adapter does not recognize; they are
	// surfaced without retry.
	BandNone Band = iota
	// BandTransient marks known proxy/TLS hiccups recovered by backoff.
	BandTransient
	// BandSuspiciousTLS marks certificate anomalies that warrant leaving
	// the current exit immediately.
	BandSuspiciousTLS
	// BandTTLExpired marks the daemon-restart trigger.
	BandTTLExpired
)

// String returns the band's metrics label.
func (b Band) String() string {
	switch b {
	case BandTransient:
		return "transient"
	case BandSuspiciousTLS:
		return "suspicious_tls"
	case BandTTLExpired:
		return "ttl_expired"
	default:
		return "none"
	}
}

// hostUnreachableMessage gets a dedicated fast-retry path.
const hostUnreachableMessage = "SOCKS connection failed. Host unreachable."

// ttlExpiredMessage triggers a daemon restart on onion-routed circuits.
const ttlExpiredMessage = "SOCKS connection failed. TTL expired."

var transientMessages = []string{
	"socket hang up",
	hostUnreachableMessage,
	"SOCKS connection failed. Connection not allowed by ruleset",
	"SSL23_GET_SERVER_HELLO",
	"SSL3_GET_RECORD:wrong version number",
	"SOCKS connection failed. General SOCKS server failure.",
}

var suspiciousMessages = []string{
	"unable to verify the first certificate",
	"self signed certificate",
	"self signed certificate in certificate chain",
	"Hostname/IP does not match certificate's altnames",
	"SSL3_GET_RECORD:decryption failed or bad record mac",
	"unable to get local issuer certificate",
}

// Classify maps an error to its band by exact substring match against the
// known proxy and TLS failure messages.
func Classify(err error) Band {
	if err == nil {
		return BandNone
	}
	msg := err.Error()
	if strings.Contains(msg, ttlExpiredMessage) {
		return BandTTLExpired
	}
	for _, m := range suspiciousMessages {
		if strings.Contains(msg, m) {
			return BandSuspiciousTLS
		}
	}
	for _, m := range transientMessages {
		if strings.Contains(msg, m) {
			return BandTransient
		}
	}
	return BandNone
}

// isHostUnreachable reports whether err carries the host-unreachable
// message.
func isHostUnreachable(err error) bool {
	return err != nil && strings.Contains(err.Error(), hostUnreachableMessage)
}
