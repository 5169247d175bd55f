package mqttconverter

import "strings"

// TopicClass is the routing decision for an inbound MQTT topic.
type TopicClass int

const (
	TopicOther TopicClass = iota
	TopicGateway
	TopicApplicationUplink
)

func (c TopicClass) String() string {
	switch c {
	case TopicGateway:
		return "gateway"
	case TopicApplicationUplink:
		return "application-uplink"
	default:
		return "other"
	}
}

// ClassifyTopic splits topic on "/" and routes it:
//
//	gateway/...                         -> TopicGateway
//	application/.../event/.../up        -> TopicApplicationUplink
//	anything else                       -> TopicOther
//
// For application topics the "event" token may appear anywhere, but the last
// token must be "up".
func ClassifyTopic(topic string) TopicClass {
	tokens := strings.Split(topic, "/")
	switch tokens[0] {
	case "gateway":
		return TopicGateway
	case "application":
		if tokens[len(tokens)-1] != "up" {
			return TopicOther
		}
		for _, tok := range tokens {
			if tok == "event" {
				return TopicApplicationUplink
			}
		}
	}
	return TopicOther
}
