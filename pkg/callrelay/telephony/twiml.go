package telephony

import (
	"bytes"
	"encoding/xml"
	"net/url"
)

// StreamTwiML connects the answered call to the media websocket at streamURL.
// The call identifier is filled in by the Call Provider.
func StreamTwiML(streamURL, language string) string {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString("<Response>\n  <Connect>\n    <Stream url=\"")
	_ = xml.EscapeText(&b, []byte(streamURL))
	b.WriteString("\">\n      <Parameter name=\"callSid\" value=\"{{CallSid}}\"/>\n      <Parameter name=\"language\" value=\"")
	_ = xml.EscapeText(&b, []byte(language))
	b.WriteString("\"/>\n    </Stream>\n  </Connect>\n</Response>\n")
	return b.String()
}

// TwiMLURL is the document URL handed to the Call Provider when placing a call.
func TwiMLURL(domain, language string) string {
	return "https://" + domain + "/twiml?language=" + url.QueryEscape(language)
}

func StatusCallbackURL(domain string) string {
	return "https://" + domain + "/call-status"
}

func MediaStreamURL(domain string) string {
	return "wss://" + domain + "/media-stream"
}
