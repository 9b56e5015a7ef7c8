//go:build !linux

package media

import "fmt"

// Capture is unavailable off Linux: pion/mediadevices needs platform drivers
// (V4L2, malgo) that are only wired up in the Linux build. On other platforms
// the browser's own WebRTC stack handles calls and this engine is not used
// for media.
func Capture(Options) (*Stream, error) {
	return nil, fmt.Errorf("%w: native capture is Linux-only", ErrCaptureFailed)
}
