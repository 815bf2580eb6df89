package telephony

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeStartMessage(t *testing.T) {
	raw := `{
		"event": "start",
		"streamSid": "MZ123",
		"start": {
			"streamSid": "MZ123",
			"callSid": "CA456",
			"customParameters": {"role": "owner", "conferenceId": "abc"}
		}
	}`

	msg, err := DecodeMessage([]byte(raw))
	require.NoError(t, err)
	assert.Equal(t, "start", msg.Event)
	require.NotNil(t, msg.Start)
	assert.Equal(t, "CA456", msg.Start.CallSid)
	assert.Equal(t, "owner", msg.Start.CustomParameters["role"])
	assert.Equal(t, "abc", msg.Start.CustomParameters["conferenceId"])
}

func TestDecodeMediaPayload(t *testing.T) {
	audio := []byte{0x7F, 0x00, 0xFF}
	raw := `{"event":"media","streamSid":"MZ123","media":{"payload":"` +
		base64.StdEncoding.EncodeToString(audio) + `"}}`

	msg, err := DecodeMessage([]byte(raw))
	require.NoError(t, err)
	require.NotNil(t, msg.Media)

	decoded, err := DecodeMediaPayload(msg.Media)
	require.NoError(t, err)
	assert.Equal(t, audio, decoded)
}

func TestDecodeMalformed(t *testing.T) {
	_, err := DecodeMessage([]byte("not json"))
	assert.Error(t, err)

	_, err = DecodeMediaPayload(&MediaEvent{Payload: "!!!"})
	assert.Error(t, err)
}

func TestEncodeUplinkFrames(t *testing.T) {
	data, err := EncodeMedia("MZ1", []byte{0x01, 0x02})
	require.NoError(t, err)
	var media map[string]any
	require.NoError(t, json.Unmarshal(data, &media))
	assert.Equal(t, "media", media["event"])
	assert.Equal(t, "MZ1", media["streamSid"])
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte{0x01, 0x02}),
		media["media"].(map[string]any)["payload"])

	data, err = EncodeClear("MZ1")
	require.NoError(t, err)
	var clear map[string]any
	require.NoError(t, json.Unmarshal(data, &clear))
	assert.Equal(t, "clear", clear["event"])
	assert.NotContains(t, clear, "media")

	data, err = EncodeDTMF("MZ1", "5")
	require.NoError(t, err)
	var dtmf map[string]any
	require.NoError(t, json.Unmarshal(data, &dtmf))
	assert.Equal(t, "5", dtmf["dtmf"].(map[string]any)["digit"])

	data, err = EncodeMark("MZ1", "done")
	require.NoError(t, err)
	var mark map[string]any
	require.NoError(t, json.Unmarshal(data, &mark))
	assert.Equal(t, "done", mark["mark"].(map[string]any)["name"])
}

func TestStreamTwiML(t *testing.T) {
	twiml := StreamTwiML("wss://agent.example.com/media", map[string]string{
		"role":          "owner",
		"conferenceId":  "abc",
		"appointmentId": "appt-1",
	})

	assert.Contains(t, twiml, `<Connect>`)
	assert.Contains(t, twiml, `url="wss://agent.example.com/media"`)
	assert.Contains(t, twiml, `<Parameter name="role" value="owner">`)

	// parameter order is deterministic
	assert.Equal(t, twiml, StreamTwiML("wss://agent.example.com/media", map[string]string{
		"appointmentId": "appt-1",
		"conferenceId":  "abc",
		"role":          "owner",
	}))
}

func TestConferenceTwiML(t *testing.T) {
	twiml := ConferenceTwiML("bridge-1", "https://agent.example.com/conference-status")

	assert.Contains(t, twiml, ">bridge-1<")
	assert.Contains(t, twiml, `statusCallback="https://agent.example.com/conference-status"`)
	assert.Contains(t, twiml, `endConferenceOnExit="true"`)
	assert.Contains(t, twiml, `startConferenceOnEnter="true"`)
}
