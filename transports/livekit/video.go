package livekit

import (
	"bytes"
	"context"
	"errors"
	"image/jpeg"
	"io"
	"strings"
	"sync"
	"time"

	"alloy/core"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"
	"golang.org/x/image/vp8"
)

const (
	videoClockRate      = 90000
	maxLatePackets      = 256
	jpegQuality         = 80
	defaultKeyframeEach = 2 * time.Second
)

var errNotKeyframe = errors.New("not a keyframe")

// videoTrack turns a subscribed VP8 track into JPEG frames. Only the most
// recent frame is kept.
type videoTrack struct {
	sid    string
	mime   string
	logger *core.Logger

	mu     sync.Mutex
	latest chan *core.VideoFrame
	done   chan struct{}
	once   sync.Once
}

func newVideoTrack(sid, mime string, logger *core.Logger) *videoTrack {
	return &videoTrack{
		sid:    sid,
		mime:   mime,
		logger: logger,
		latest: make(chan *core.VideoFrame, 1),
		done:   make(chan struct{}),
	}
}

func (v *videoTrack) SID() string {
	return v.sid
}

// ReadFrame implements core.Track. A frame that is already buffered is
// returned even after the track has ended.
func (v *videoTrack) ReadFrame(ctx context.Context) (*core.VideoFrame, error) {
	select {
	case f := <-v.latest:
		return f, nil
	default:
	}
	select {
	case f := <-v.latest:
		return f, nil
	case <-v.done:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (v *videoTrack) push(frame *core.VideoFrame) {
	v.mu.Lock()
	defer v.mu.Unlock()
	select {
	case <-v.latest:
	default:
	}
	v.latest <- frame
}

func (v *videoTrack) end() {
	v.once.Do(func() { close(v.done) })
}

func (v *videoTrack) ended() bool {
	select {
	case <-v.done:
		return true
	default:
		return false
	}
}

type packetReader func() (*rtp.Packet, error)

// capture reads RTP until the track fails or ends. Keyframes are requested
// every keyframeEach so the buffered frame stays fresh.
func (v *videoTrack) capture(ctx context.Context, read packetReader, requestKeyframe func(), keyframeEach time.Duration) {
	defer v.end()

	if !strings.EqualFold(v.mime, webrtc.MimeTypeVP8) {
		v.logger.Warn("video codec not supported for frame capture", "trackSID", v.sid, "codec", v.mime)
		for !v.ended() && ctx.Err() == nil {
			if _, err := read(); err != nil {
				return
			}
		}
		return
	}

	if keyframeEach <= 0 {
		keyframeEach = defaultKeyframeEach
	}
	if requestKeyframe != nil {
		go func() {
			ticker := time.NewTicker(keyframeEach)
			defer ticker.Stop()
			requestKeyframe()
			for {
				select {
				case <-ctx.Done():
					return
				case <-v.done:
					return
				case <-ticker.C:
					requestKeyframe()
				}
			}
		}()
	}

	sb := samplebuilder.New(maxLatePackets, &codecs.VP8Packet{}, videoClockRate)
	for !v.ended() && ctx.Err() == nil {
		pkt, err := read()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				v.logger.Debug("video track read ended", "trackSID", v.sid, "error", err)
			}
			return
		}
		sb.Push(pkt)

		for sample := sb.Pop(); sample != nil; sample = sb.Pop() {
			frame, err := decodeVP8Keyframe(sample.Data)
			if err != nil {
				if !errors.Is(err, errNotKeyframe) {
					v.logger.Debug("dropping undecodable frame", "trackSID", v.sid, "error", err)
				}
				continue
			}
			frame.TrackSID = v.sid
			v.push(frame)
		}
	}
}

func isVP8Keyframe(data []byte) bool {
	return len(data) >= 10 && data[0]&0x01 == 0
}

// decodeVP8Keyframe decodes an intra frame into a JPEG VideoFrame.
// Interframes need decoder state and are skipped.
func decodeVP8Keyframe(data []byte) (*core.VideoFrame, error) {
	if !isVP8Keyframe(data) {
		return nil, errNotKeyframe
	}

	d := vp8.NewDecoder()
	d.Init(bytes.NewReader(data), len(data))
	fh, err := d.DecodeFrameHeader()
	if err != nil {
		return nil, err
	}
	if !fh.KeyFrame {
		return nil, errNotKeyframe
	}
	img, err := d.DecodeFrame()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, err
	}
	return &core.VideoFrame{
		Data:       buf.Bytes(),
		MediaType:  core.FrameMediaTypeJPEG,
		Width:      fh.Width,
		Height:     fh.Height,
		CapturedAt: time.Now(),
	}, nil
}
