package agent

import "strings"

// Topics names every topic the client uses for one app. Outbound topics are
// prefixed by kind, inbound ones by the app id.
type Topics struct {
	appID string
	sep   string
}

// NewTopics returns the topic layout for appID. An empty separator defaults
// to "/".
func NewTopics(appID, sep string) Topics {
	if sep == "" {
		sep = "/"
	}
	return Topics{appID: appID, sep: sep}
}

// SeparatorFor returns the topic separator a transport accepts. Brokers
// whose topic names cannot contain "/" use ".".
func SeparatorFor(transport string) string {
	switch strings.ToLower(transport) {
	case "kafka", "aws", "rabbitmq", "nats":
		return "."
	default:
		return "/"
	}
}

func (t Topics) join(parts ...string) string { return strings.Join(parts, t.sep) }

func (t Topics) Online() string    { return t.join("online", t.appID) }
func (t Topics) Offline() string   { return t.join("offline", t.appID) }
func (t Topics) Device() string    { return t.join("device", t.appID) }
func (t Topics) Error() string     { return t.join("error", t.appID) }
func (t Topics) System() string    { return t.join("system", t.appID) }
func (t Topics) Detection() string { return t.join("detection", t.appID) }

func (t Topics) Stream(streamID string) string { return t.join("stream", t.appID, streamID) }
func (t Topics) Response(reqID string) string  { return t.join("response", t.appID, reqID) }

func (t Topics) Configuration() string { return t.join(t.appID, "configuration") }
func (t Topics) StreamEnable() string  { return t.join(t.appID, "stream-enable") }
func (t Topics) StreamDisable() string { return t.join(t.appID, "stream-disable") }
func (t Topics) Request() string       { return t.join(t.appID, "request") }
