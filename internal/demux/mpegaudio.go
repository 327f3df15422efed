package demux

import "errors"

// ErrInvalidMPEGAudio identifies a malformed MPEG-1/2 Audio (Layer I/II/III)
// frame header. parseMPEGAudioFrames does not return it: it skips past such
// headers one byte at a time.
var ErrInvalidMPEGAudio = errors.New("demux: invalid MPEG audio header")

// MPEG Audio version_id values, ISO/IEC 11172-3 / 13818-3.
const (
	mpegAudioVersion2_5 = 0x0
	mpegAudioVersion2   = 0x2
	mpegAudioVersion1   = 0x3
)

// MPEG Audio layer values.
const (
	mpegAudioLayerIII = 0x1
	mpegAudioLayerII  = 0x2
	mpegAudioLayerI   = 0x3
)

var mpegAudioSampleRates = map[byte][3]int{
	mpegAudioVersion1:   {44100, 48000, 32000},
	mpegAudioVersion2:   {22050, 24000, 16000},
	mpegAudioVersion2_5: {11025, 12000, 8000},
}

var mpegAudioBitratesV1 = map[byte][14]int{
	mpegAudioLayerI:   {32, 64, 96, 128, 160, 192, 224, 256, 288, 320, 352, 384, 416, 448},
	mpegAudioLayerII:  {32, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320, 384},
	mpegAudioLayerIII: {32, 40, 48, 56, 64, 80, 96, 112, 128, 160, 192, 224, 256, 320},
}

var mpegAudioBitratesV2 = map[byte][14]int{
	mpegAudioLayerI:   {32, 48, 56, 64, 80, 96, 112, 128, 144, 160, 176, 192, 224, 256},
	mpegAudioLayerII:  {8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
	mpegAudioLayerIII: {8, 16, 24, 32, 40, 48, 56, 64, 80, 96, 112, 128, 144, 160},
}

// MPEGAudioFrame represents a single parsed MPEG-1/2 Audio (Layer I/II/III)
// frame, header included, as carried by transport streams using stream_type
// 0x03 (MPEG-1 Audio) or 0x04 (MPEG-2 Audio).
type MPEGAudioFrame struct {
	Data            []byte
	SampleRate      int
	Channels        int
	Layer           int // 1, 2, or 3
	SamplesPerFrame int
	PTS             int64
}

func mpegAudioSamplesPerFrame(version, layer byte) int {
	switch layer {
	case mpegAudioLayerI:
		return 384
	case mpegAudioLayerII:
		return 1152
	default: // Layer III
		if version == mpegAudioVersion1 {
			return 1152
		}
		return 576
	}
}

// parseMPEGAudioFrames splits a byte buffer into complete MPEG-1/2 Audio
// frames (Layer I/II/III), returning any incomplete trailing bytes as
// remainder so the caller can carry them into the next buffer.
func parseMPEGAudioFrames(data []byte) (frames []MPEGAudioFrame, remainder []byte, err error) {
	offset := 0
	for offset < len(data) {
		if len(data)-offset < 4 {
			break
		}

		if data[offset] != 0xFF || (data[offset+1]&0xE0) != 0xE0 {
			offset++
			continue
		}

		version := (data[offset+1] >> 3) & 0x03
		layer := (data[offset+1] >> 1) & 0x03
		if version == 0x01 || layer == 0x00 {
			offset++
			continue
		}

		bitrateIdx := (data[offset+2] >> 4) & 0x0F
		sampleRateIdx := (data[offset+2] >> 2) & 0x03
		padding := (data[offset+2] >> 1) & 0x01
		channelMode := (data[offset+3] >> 6) & 0x03

		if bitrateIdx == 0 || bitrateIdx == 0x0F || sampleRateIdx == 0x03 {
			offset++
			continue
		}

		rates, ok := mpegAudioSampleRates[version]
		if !ok {
			offset++
			continue
		}
		sampleRate := rates[sampleRateIdx]

		var bitrateKbps int
		if version == mpegAudioVersion1 {
			bitrateKbps = mpegAudioBitratesV1[layer][bitrateIdx-1]
		} else {
			bitrateKbps = mpegAudioBitratesV2[layer][bitrateIdx-1]
		}
		bitrate := bitrateKbps * 1000

		var frameLen int
		if layer == mpegAudioLayerI {
			frameLen = (12*bitrate/sampleRate + int(padding)) * 4
		} else {
			slotMultiplier := 144
			if layer == mpegAudioLayerIII && version != mpegAudioVersion1 {
				slotMultiplier = 72
			}
			frameLen = slotMultiplier*bitrate/sampleRate + int(padding)
		}

		if frameLen < 4 {
			offset++
			continue
		}
		if offset+frameLen > len(data) {
			break
		}

		channels := 2
		if channelMode == 0x03 {
			channels = 1
		}

		layerNum := 1
		switch layer {
		case mpegAudioLayerII:
			layerNum = 2
		case mpegAudioLayerIII:
			layerNum = 3
		}

		frames = append(frames, MPEGAudioFrame{
			Data:            data[offset : offset+frameLen],
			SampleRate:      sampleRate,
			Channels:        channels,
			Layer:           layerNum,
			SamplesPerFrame: mpegAudioSamplesPerFrame(version, layer),
		})

		offset += frameLen
	}

	if offset < len(data) {
		remainder = append([]byte(nil), data[offset:]...)
	}
	return frames, remainder, nil
}

// mpegAudioFrameReader mirrors adtsFrameReader for MPEG-1/2 Audio tracks:
// it carries partial frames across PES boundaries and glues per-frame
// timestamps from the PES's own PTS using each frame's sample count.
type mpegAudioFrameReader struct {
	carry   []byte
	nextPTS int64
	havePTS bool
}

func (r *mpegAudioFrameReader) Feed(data []byte, pts int64, hasPTS bool) ([]MPEGAudioFrame, error) {
	buf := data
	if len(r.carry) > 0 {
		buf = append(append([]byte(nil), r.carry...), data...)
		r.carry = nil
	}

	frames, remainder, err := parseMPEGAudioFrames(buf)
	if err != nil {
		return nil, err
	}
	r.carry = remainder

	if hasPTS {
		r.nextPTS = pts
		r.havePTS = true
	}

	for i := range frames {
		if r.havePTS {
			frames[i].PTS = r.nextPTS
			if frames[i].SampleRate > 0 && frames[i].SamplesPerFrame > 0 {
				r.nextPTS += int64(frames[i].SamplesPerFrame) * 90000 / int64(frames[i].SampleRate)
			}
		}
	}

	return frames, nil
}
