package voice

import (
	"context"
	"log/slog"

	"github.com/MrWong99/elevated/pkg/audio"
)

// runCapture forwards every captured frame to send until the capture's frame
// channel closes. Each frame is encoded synchronously; nothing is queued, so a
// frame that cannot be sent is simply lost.
func runCapture(capture audio.Capture, rate int, send func(audio.EncodedChunk), log *slog.Logger) {
	mime := audio.PCMMimeType(rate)
	frames := 0
	for f := range capture.Frames() {
		samples := f.Samples
		if f.SampleRate > 0 && f.SampleRate != rate {
			samples = audio.Resample(samples, f.SampleRate, rate)
		}
		send(audio.EncodedChunk{Data: audio.Encode(samples), MIMEType: mime})
		frames++
	}
	log.Debug("voice: capture ended", "frames", frames)
}

// sendChunk is the capture-side transport path of a [Session]. Chunks are
// dropped when the session is not open or the send fails; drops are counted
// and logged at debug level only.
func (s *Session) sendChunk(chunk audio.EncodedChunk) {
	ctx := context.Background()
	if !s.open.Load() {
		s.metrics.RecordFrameDropped(ctx, "not_open")
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()
	if err := s.stream.Send(sendCtx, chunk); err != nil {
		s.metrics.RecordFrameDropped(ctx, "send_failed")
		s.log.Debug("voice: drop capture frame", "err", err)
		return
	}
	s.metrics.FramesSent.Add(ctx, 1)
}
