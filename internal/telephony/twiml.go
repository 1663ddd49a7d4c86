package telephony

import (
	"errors"
	"strings"

	"github.com/twilio/twilio-go/twiml"
)

var ErrNoEndpoint = errors.New("telephony: agent endpoint required")

// RenderBridgeTwiML bridges the answered callee to the agent endpoint. SIP URIs
// are dialed as <Sip>, anything else as a PSTN <Number>.
func RenderBridgeTwiML(endpoint, callerID string) (string, error) {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return "", ErrNoEndpoint
	}
	dial := &twiml.VoiceDial{CallerId: callerID}
	if strings.HasPrefix(strings.ToLower(endpoint), "sip:") {
		dial.InnerElements = []twiml.Element{&twiml.VoiceSip{SipUrl: endpoint}}
	} else {
		dial.InnerElements = []twiml.Element{&twiml.VoiceNumber{PhoneNumber: endpoint}}
	}
	return twiml.Voice([]twiml.Element{dial})
}

func RenderHangupTwiML() (string, error) {
	return twiml.Voice([]twiml.Element{&twiml.VoiceHangup{}})
}
