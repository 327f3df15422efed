package demux

import "errors"

// ErrInvalidADTS is returned when the ADTS sync word or header is malformed.
var ErrInvalidADTS = errors.New("demux: invalid ADTS header")

// ErrNoADTSHeader is returned when an AAC PES payload contains no ADTS
// syncword at all; this is fatal for the PES since nothing in it can be
// framed into samples.
var ErrNoADTSHeader = errors.New("demux: no ADTS header found in AAC PES")

// AAC sample rate index table (ISO 14496-3).
var aacSampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

const aacSamplesPerFrame = 1024

// AACFrame represents a single AAC frame parsed from an ADTS stream. Data
// holds the whole ADTS frame, including its 7- or 9-byte header.
type AACFrame struct {
	Data       []byte
	SampleRate int
	Channels   int
	PTS        int64 // 90 kHz ticks
}

// parseADTSFrames splits a byte buffer into complete ADTS frames, returning
// any trailing bytes that didn't form a complete frame so the caller can
// carry them into the next call instead of discarding a frame that was
// split across a PES boundary.
func parseADTSFrames(data []byte) (frames []AACFrame, remainder []byte, err error) {
	offset := 0
	for offset < len(data) {
		if len(data)-offset < 7 {
			break
		}

		if data[offset] != 0xFF || (data[offset+1]&0xF0) != 0xF0 {
			offset++
			continue
		}

		hasCRC := (data[offset+1] & 0x01) == 0
		headerSize := 7
		if hasCRC {
			headerSize = 9
		}

		sampleRateIdx := (data[offset+2] >> 2) & 0x0F
		if int(sampleRateIdx) >= len(aacSampleRates) {
			return frames, nil, ErrInvalidADTS
		}

		channelCfg := ((data[offset+2] & 0x01) << 2) | ((data[offset+3] >> 6) & 0x03)

		frameLen := int(data[offset+3]&0x03)<<11 |
			int(data[offset+4])<<3 |
			int(data[offset+5]>>5)

		if frameLen < headerSize {
			offset++
			continue
		}
		if offset+frameLen > len(data) {
			// Incomplete frame at the tail: carry it forward.
			break
		}

		frames = append(frames, AACFrame{
			Data:       data[offset : offset+frameLen],
			SampleRate: aacSampleRates[sampleRateIdx],
			Channels:   int(channelCfg),
		})

		offset += frameLen
	}

	if offset < len(data) {
		remainder = append([]byte(nil), data[offset:]...)
	}
	return frames, remainder, nil
}

// firstADTSSyncOffset returns the offset of the first byte pair in data that
// looks like an ADTS syncword (0xFF, top nibble 0xF), or -1 if none is
// present. It does not validate the rest of the header.
func firstADTSSyncOffset(data []byte) int {
	for i := 0; i+1 < len(data); i++ {
		if data[i] == 0xFF && (data[i+1]&0xF0) == 0xF0 {
			return i
		}
	}
	return -1
}

// adtsFrameReader turns a sequence of PES payloads for one audio PID into a
// stream of AAC frames with assigned timestamps. It carries an overflow
// buffer across Feed calls for frames split across PES boundaries, and
// glues timestamps for frames after the first in a PES that lacked one of
// its own — each ADTS frame is exactly aacSamplesPerFrame samples, so the
// nth frame's PTS is derived from the PES's PTS plus n sample periods.
type adtsFrameReader struct {
	carry   []byte
	nextPTS int64
	havePTS bool
}

// Feed parses ADTS frames out of one PES payload. pts/hasPTS reflect the
// PES header's own timestamp, which only covers the first frame it carries.
// syncOffset reports where, within the combined carry+data buffer, the
// first ADTS syncword was found: 0 means the PES started cleanly, a
// positive value means leading garbage was skipped, and -1 (alongside
// ErrNoADTSHeader) means no syncword was found anywhere in the buffer.
func (r *adtsFrameReader) Feed(data []byte, pts int64, hasPTS bool) (frames []AACFrame, syncOffset int, err error) {
	buf := data
	if len(r.carry) > 0 {
		buf = append(append([]byte(nil), r.carry...), data...)
		r.carry = nil
	}

	syncOffset = firstADTSSyncOffset(buf)
	if syncOffset < 0 {
		return nil, -1, ErrNoADTSHeader
	}

	frames, remainder, err := parseADTSFrames(buf)
	if err != nil {
		return nil, syncOffset, err
	}
	r.carry = remainder

	if hasPTS {
		r.nextPTS = pts
		r.havePTS = true
	}

	for i := range frames {
		if r.havePTS {
			frames[i].PTS = r.nextPTS
			if frames[i].SampleRate > 0 {
				r.nextPTS += int64(aacSamplesPerFrame) * 90000 / int64(frames[i].SampleRate)
			}
		}
	}

	return frames, syncOffset, nil
}
