package speech

import "context"

// Adapter contracts for the streaming speech services. The session runtime
// only ever sees these interfaces; the provider wire protocols live in the
// subpackages.

// STTConfig holds the transcription options for one stream. The codec is
// always telephony mu-law at 8 kHz mono.
type STTConfig struct {
	APIKey     string
	Model      string // e.g. "nova-2"
	Language   string // e.g. "en-US"
	EndpointMs int    // endpointing silence threshold, default 500
	Diarize    bool   // label utterances with speaker ids
}

// TTSConfig holds the synthesis options for one stream.
type TTSConfig struct {
	APIKey   string
	Model    string // e.g. "sonic-3"
	VoiceID  string
	Language string // e.g. "en"
}

// Transcriber is the duplex STT contract. One final utterance is delivered
// per endpointed stretch of speech: the adapter accumulates final fragments
// and joins them when the service reports the utterance complete.
type Transcriber interface {
	Start(ctx context.Context) error
	SendAudio(mulaw []byte) error
	// Finalize flushes the in-flight utterance, dropping stale fragments
	// after an interruption.
	Finalize() error
	Close() error
}

// TranscriberHandler receives transcriber events. Callbacks run on the
// adapter's read loop and must hand work off quickly.
type TranscriberHandler interface {
	// OnUtterance delivers one joined final utterance. speakerID is the raw
	// diarization id of the leading word, empty when diarization is off.
	OnUtterance(text, speakerID string)
	OnSTTError(err error)
	OnSTTClosed()
}

// Synthesizer is the duplex TTS contract.
type Synthesizer interface {
	Start(ctx context.Context) error
	SendText(chunk string) error
	// Flush signals end of the response text; the adapter reports Flushed
	// once all previously queued audio has been emitted.
	Flush() error
	// Clear drops queued audio and cancels in-flight synthesis.
	Clear() error
	Close() error
}

// SynthesizerHandler receives synthesizer events.
type SynthesizerHandler interface {
	// OnAudio delivers one synthesized mu-law frame.
	OnAudio(mulaw []byte)
	// OnFlushed reports that all audio queued before the last Flush has
	// been emitted. Authoritative completion of a spoken response.
	OnFlushed()
	OnTTSError(err error)
	OnTTSClosed()
}
