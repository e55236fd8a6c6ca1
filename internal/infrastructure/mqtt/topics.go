package mqtt

import (
	"fmt"
	"strings"
)

// TopicPrefix is the root of every devicekit topic.
const TopicPrefix = "devicekit"

// Topics provides builders for devicekit MQTT topics.
//
// Device names contain slashes ("test/nodb/powersupply") and map directly
// onto topic levels:
//
//	devicekit/event/test/nodb/powersupply/voltage/change
//	devicekit/write/test/nodb/powersupply/voltage
type Topics struct{}

// Event returns the topic an event of the given type is mirrored to.
func (Topics) Event(device, attribute, eventType string) string {
	return fmt.Sprintf("%s/event/%s/%s/%s", TopicPrefix, strings.ToLower(device), strings.ToLower(attribute), eventType)
}

// Write returns the topic on which remote attribute writes are accepted.
func (Topics) Write(device, attribute string) string {
	return fmt.Sprintf("%s/write/%s/%s", TopicPrefix, strings.ToLower(device), strings.ToLower(attribute))
}

// AllWrites matches every write topic.
func (Topics) AllWrites() string {
	return TopicPrefix + "/write/#"
}

// ServerStatus returns the retained status topic of a server instance.
func (Topics) ServerStatus(server string) string {
	return fmt.Sprintf("%s/server/%s/status", TopicPrefix, strings.ToLower(server))
}

// ParseWrite splits a write topic back into device and attribute names.
// The device part is everything between "write/" and the last level.
func (Topics) ParseWrite(topic string) (device, attribute string, ok bool) {
	rest, found := strings.CutPrefix(topic, TopicPrefix+"/write/")
	if !found {
		return "", "", false
	}
	i := strings.LastIndex(rest, "/")
	if i <= 0 || i == len(rest)-1 {
		return "", "", false
	}
	return rest[:i], rest[i+1:], true
}
