package device

import (
	"context"
	"fmt"

	"github.com/MrWong99/elevated/pkg/audio"
)

// errDisabled is returned by every Open of the disabled devices.
var errDisabled = fmt.Errorf("device: audio disabled by configuration: %w", audio.ErrDeviceUnavailable)

// DisabledSource is an [audio.Source] for hosts without sound hardware. Open
// always fails with [audio.ErrDeviceUnavailable].
type DisabledSource struct{}

// Open implements [audio.Source].
func (DisabledSource) Open(context.Context, audio.Format, int) (audio.Capture, error) {
	return nil, errDisabled
}

// DisabledSink is the output counterpart of [DisabledSource].
type DisabledSink struct{}

// Open implements [audio.Sink].
func (DisabledSink) Open(context.Context, audio.Format) (audio.Output, error) {
	return nil, errDisabled
}

var (
	_ audio.Source = DisabledSource{}
	_ audio.Sink   = DisabledSink{}
)
