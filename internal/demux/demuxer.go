package demux

import (
	"fmt"
	"log/slog"
)

// TrackID identifies the four fixed track kinds this package produces. A
// transport stream carries at most one video track and one text (caption)
// track, so those two IDs are singletons; audio may be replicated across
// multiple PIDs, distinguished by Track.Index. Only the first ID3 PID listed
// in the PMT is used.
type TrackID int

const (
	TrackVideo TrackID = iota
	TrackAudio
	TrackID3
	TrackText
)

func (t TrackID) String() string {
	switch t {
	case TrackVideo:
		return "video"
	case TrackAudio:
		return "audio"
	case TrackID3:
		return "id3"
	case TrackText:
		return "text"
	default:
		return "unknown"
	}
}

// Codec identifies the elementary stream coding format of a Track.
type Codec string

const (
	CodecH264      Codec = "h264"
	CodecH265      Codec = "h265"
	CodecAAC       Codec = "aac"
	CodecMPEGAudio Codec = "mpeg_audio"
	CodecID3       Codec = "id3"
	CodecCEA608    Codec = "cea-608"
)

// AVCConfig holds the H.264 parameter sets and parsed SPS fields needed to
// initialize a decoder or build a decoder configuration record.
type AVCConfig struct {
	SPS, PPS []byte
	Info     SPSInfo
}

// HEVCConfig holds the H.265 parameter sets and parsed SPS fields needed to
// initialize a decoder or build a decoder configuration record.
type HEVCConfig struct {
	VPS, SPS, PPS []byte
	Info          HEVCSPSInfo
}

// AACConfig holds the audio parameters learned from the most recent ADTS
// header seen on an AAC track.
type AACConfig struct {
	SampleRate int
	Channels   int
}

// Track describes one elementary stream discovered via the PMT (or, for
// the text track, synthesized from caption data embedded in video SEI).
// Per-codec configuration fields are nil until the relevant parameter
// set or header has been observed.
type Track struct {
	ID    TrackID
	PID   uint16
	Index int // zero-based index among tracks sharing ID (e.g. audio tracks)
	Codec Codec

	AVC  *AVCConfig
	HEVC *HEVCConfig
	AAC  *AACConfig

	DroppedSamples int64
}

// VideoSample is one parsed video access unit.
type VideoSample struct {
	PTS, DTS int64 // 90 kHz clock ticks
	Keyframe bool
	NALUs    []NALUnit
	Len      int
	// GroupID increments on every keyframe, letting a downstream fragmenter
	// group access units into one fragment per GroupID without re-deriving
	// keyframe boundaries itself.
	GroupID uint32
}

// AudioSample is one parsed audio frame (one ADTS or MPEG-audio frame).
type AudioSample struct {
	PTS  int64
	Data []byte
	Len  int
}

// CaptionSample is one raw CEA-608/708 byte pair extracted from a video
// SEI message, along with the video access unit's PTS. This package never
// decodes the pair to text.
type CaptionSample struct {
	PTS     int64
	Type    CaptionType
	Field   int
	Start   bool
	Data    [2]byte
}

// EventType classifies an Observer notification.
type EventType string

const (
	// MediaError marks a recoverable decode-time anomaly: a dropped frame,
	// an unparseable SPS, a continuity-counter discontinuity.
	MediaError EventType = "media_error"
	// FragParsingError marks a structural parsing anomaly at the transport
	// or PES layer (a resynchronization, a bad PSI/PES section, misaligned
	// ADTS data). EventDetail.Fatal tells whether the affected unit was
	// discarded entirely or partially recovered.
	FragParsingError EventType = "frag_parsing_error"
)

// EventDetail is the payload delivered to Observer.Trigger.
type EventDetail struct {
	Type    EventType
	Track   TrackID
	PID     uint16
	Err     error
	Message string
	// Fatal marks an error severe enough that the affected PES's samples
	// were discarded entirely rather than partially recovered. Most events
	// are non-fatal.
	Fatal bool
}

// Observer receives diagnostic events from the Demuxer, fatal and non-fatal
// alike (see EventDetail.Fatal). It is the
// authoritative error-reporting path for the demuxing pipeline; logging is
// secondary and only for local diagnostics.
type Observer interface {
	Trigger(detail EventDetail)
}

// Remuxer receives parsed samples synchronously, within the call to Push
// that produced them. Implementations must not block on anything that
// could call back into the Demuxer.
type Remuxer interface {
	RemuxVideo(track Track, sample VideoSample)
	RemuxAudio(track Track, sample AudioSample)
	RemuxID3(track Track, pts int64, data []byte)
	RemuxText(track Track, sample CaptionSample)
}

// Config holds the Demuxer's one documented behavioral option.
type Config struct {
	// ForceKeyFrameOnDiscontinuity causes the Demuxer to drop all video
	// access units (without reporting them to the Remuxer) following a
	// continuity-counter discontinuity on the video PID, until the next
	// keyframe re-establishes a clean decode point.
	ForceKeyFrameOnDiscontinuity bool
}

type continuityState struct {
	last uint8
	have bool
}

type audioTrackState struct {
	pid   uint16
	track Track
	pes   pesAccumulator
	aac   *adtsFrameReader
	mpeg  *mpegAudioFrameReader
}

// Demuxer splits an MPEG-TS byte stream into video, audio, ID3, and caption
// samples. Unlike a reader-driven demuxer, it owns no goroutine and no
// internal read loop: callers feed it bytes through Push, and it calls back
// into Remuxer/Observer synchronously, from within Push, on the caller's own
// goroutine. This lets a single-threaded ingest loop drive demuxing without
// channel handoffs or a supervising context.
type Demuxer struct {
	log      *slog.Logger
	cfg      Config
	remuxer  Remuxer
	observer Observer

	buf []byte

	patAcc  psiAccumulator
	pmtAcc  psiAccumulator
	pmtPID  uint16
	pmtSeen bool

	videoPID     uint16
	videoTrack   Track
	videoPES     pesAccumulator
	annexScanner *annexBScanner
	awaitKeyfrm  bool
	groupID      uint32
	videoCount   int64

	audioByPID map[uint16]*audioTrackState
	audioOrder []uint16

	id3PID uint16
	id3PES pesAccumulator
	id3Trk Track

	textTrack Track

	continuity map[uint16]*continuityState

	ccLastCtrl      [2][2]byte
	ccLastWasCtrl   [2]bool
	ccLastCtrlFrame [2]int64
}

// NewDemuxer creates a Demuxer that delivers parsed samples to remuxer and
// diagnostic events to observer. If log is nil, slog.Default() is used.
// observer may be nil, in which case diagnostic events are dropped after
// being logged.
func NewDemuxer(remuxer Remuxer, observer Observer, log *slog.Logger, opts ...func(*Demuxer)) *Demuxer {
	if log == nil {
		log = slog.Default()
	}
	d := &Demuxer{
		log:        log.With("component", "demux"),
		remuxer:    remuxer,
		observer:   observer,
		audioByPID: make(map[uint16]*audioTrackState),
		continuity: make(map[uint16]*continuityState),
		textTrack:  Track{ID: TrackText, Codec: CodecCEA608},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// WithConfig applies a Config to the Demuxer at construction.
func WithConfig(cfg Config) func(*Demuxer) {
	return func(d *Demuxer) { d.cfg = cfg }
}

// VideoTrack returns the discovered video track, or the zero Track with a
// zero Codec if the PMT hasn't been seen yet.
func (d *Demuxer) VideoTrack() Track { return d.videoTrack }

// AudioTracks returns the discovered audio tracks in the order the PMT
// listed them.
func (d *Demuxer) AudioTracks() []Track {
	tracks := make([]Track, 0, len(d.audioOrder))
	for _, pid := range d.audioOrder {
		tracks = append(tracks, d.audioByPID[pid].track)
	}
	return tracks
}

// PMTSeen reports whether the first PMT has been parsed and track PIDs
// established.
func (d *Demuxer) PMTSeen() bool { return d.pmtSeen }

func (d *Demuxer) notify(detail EventDetail) {
	d.log.Debug("demux event", "type", detail.Type, "track", detail.Track, "pid", detail.PID, "message", detail.Message)
	if d.observer != nil {
		d.observer.Trigger(detail)
	}
}

// Push feeds raw transport stream bytes into the demuxer. It may be called
// with any chunk size — a single byte, a partial packet, or megabytes at
// once — and parses as many complete 188-byte packets as are available,
// carrying any remainder to the next call. Parsed samples are delivered to
// the Remuxer before Push returns.
func (d *Demuxer) Push(data []byte) error {
	d.buf = append(d.buf, data...)

	for len(d.buf) >= tsPacketSize {
		if d.buf[0] != tsSyncByte {
			if !d.resync() {
				return nil
			}
			continue
		}

		pkt := d.buf[:tsPacketSize]
		h, payload, err := parseTSPacket(pkt)
		if err != nil {
			d.notify(EventDetail{Type: FragParsingError, Message: err.Error()})
			d.buf = d.buf[tsPacketSize:]
			continue
		}

		d.dispatch(h, payload)
		d.buf = d.buf[tsPacketSize:]
	}

	return nil
}

// resync scans buf for the next plausible sync byte (one that also starts a
// sync byte exactly one packet later, when enough data is buffered) and
// discards everything before it. It returns false if no candidate is found
// yet and the caller should wait for more data.
func (d *Demuxer) resync() bool {
	for i := 1; i < len(d.buf); i++ {
		if d.buf[i] != tsSyncByte {
			continue
		}
		if i+tsPacketSize < len(d.buf) && d.buf[i+tsPacketSize] != tsSyncByte {
			continue
		}
		d.notify(EventDetail{Type: FragParsingError, Message: fmt.Sprintf("resynchronized, discarded %d bytes", i)})
		d.buf = d.buf[i:]
		return true
	}
	// No candidate sync byte found (or not enough data to confirm it);
	// keep the last byte in case it's the start of one, drop the rest.
	if len(d.buf) > 1 {
		d.buf = d.buf[len(d.buf)-1:]
	}
	return false
}

func (d *Demuxer) dispatch(h tsHeader, payload []byte) {
	if h.TransportErrorIndicator {
		return
	}

	if h.HasPayload {
		d.checkContinuity(h)
	}

	switch {
	case h.PID == tsPIDPAT:
		d.handlePAT(h, payload)
	case h.PID == d.pmtPID:
		d.handlePMT(h, payload)
	case !d.pmtSeen && h.PID != tsPIDPAT:
		// PMT PID not known yet; nothing to route this packet to.
	case h.PID == d.videoPID:
		d.handleVideoPacket(h, payload)
	case h.PID == d.id3PID && d.id3PID != 0:
		d.handleID3Packet(h, payload)
	default:
		if ts, ok := d.audioByPID[h.PID]; ok {
			d.handleAudioPacket(h, payload, ts)
		}
	}
}

func (d *Demuxer) checkContinuity(h tsHeader) {
	cs, ok := d.continuity[h.PID]
	if !ok {
		cs = &continuityState{}
		d.continuity[h.PID] = cs
	}
	if !cs.have {
		cs.last = h.ContinuityCounter
		cs.have = true
		return
	}
	if h.DiscontinuityIndicator {
		cs.last = h.ContinuityCounter
		return
	}
	expected := (cs.last + 1) & 0x0F
	if h.ContinuityCounter == cs.last {
		return // duplicate packet
	}
	if h.ContinuityCounter != expected {
		d.notify(EventDetail{Type: MediaError, PID: h.PID, Message: "continuity counter discontinuity"})
		if h.PID == d.videoPID && d.cfg.ForceKeyFrameOnDiscontinuity {
			d.awaitKeyfrm = true
		}
	}
	cs.last = h.ContinuityCounter
}

func (d *Demuxer) handlePAT(h tsHeader, payload []byte) {
	section := d.patAcc.add(payload, h.PayloadUnitStartIndicator)
	if section == nil {
		return
	}
	programs, err := parsePATSection(section)
	if err != nil {
		d.notify(EventDetail{Type: FragParsingError, Message: "PAT: " + err.Error()})
		return
	}
	for _, p := range programs {
		d.pmtPID = p.ProgramMapPID
		d.pmtSeen = false
		break // single-program transport streams only
	}
}

func (d *Demuxer) handlePMT(h tsHeader, payload []byte) {
	section := d.pmtAcc.add(payload, h.PayloadUnitStartIndicator)
	if section == nil {
		return
	}
	streams, err := parsePMTSection(section)
	if err != nil {
		d.notify(EventDetail{Type: FragParsingError, Message: "PMT: " + err.Error()})
		return
	}

	audioIdx := 0
	for _, es := range streams {
		switch es.StreamType {
		case streamTypeAVC:
			if d.videoPID == 0 {
				d.videoPID = es.ElementaryPID
				d.videoTrack = Track{ID: TrackVideo, PID: es.ElementaryPID, Codec: CodecH264}
				d.annexScanner = newAnnexBScanner(1, func(b []byte) byte { return b[0] & 0x1F })
			}
		case streamTypeHEVC:
			if d.videoPID == 0 {
				d.videoPID = es.ElementaryPID
				d.videoTrack = Track{ID: TrackVideo, PID: es.ElementaryPID, Codec: CodecH265}
				d.annexScanner = newAnnexBScanner(2, func(b []byte) byte { return HEVCNALType(b[0]) })
			}
		case streamTypeAAC:
			d.addAudioTrack(es.ElementaryPID, CodecAAC, audioIdx)
			audioIdx++
		case streamTypeMPEG1Audio, streamTypeMPEG2Audio:
			d.addAudioTrack(es.ElementaryPID, CodecMPEGAudio, audioIdx)
			audioIdx++
		case streamTypeID3:
			if d.id3PID == 0 {
				d.id3PID = es.ElementaryPID
				d.id3Trk = Track{ID: TrackID3, PID: es.ElementaryPID, Codec: CodecID3}
			}
		}
	}

	d.pmtSeen = true
}

func (d *Demuxer) addAudioTrack(pid uint16, codec Codec, index int) {
	if _, exists := d.audioByPID[pid]; exists {
		return
	}
	ts := &audioTrackState{
		pid:   pid,
		track: Track{ID: TrackAudio, PID: pid, Index: index, Codec: codec},
	}
	if codec == CodecAAC {
		ts.aac = &adtsFrameReader{}
	} else {
		ts.mpeg = &mpegAudioFrameReader{}
	}
	d.audioByPID[pid] = ts
	d.audioOrder = append(d.audioOrder, pid)
}

func (d *Demuxer) handleVideoPacket(h tsHeader, payload []byte) {
	completed := d.videoPES.push(payload, h.PayloadUnitStartIndicator)
	if completed == nil {
		return
	}
	d.processVideoPES(completed)
}

func (d *Demuxer) processVideoPES(raw []byte) {
	hdr, data, err := parsePESPacket(raw)
	if err != nil {
		d.notify(EventDetail{Type: FragParsingError, Track: TrackVideo, PID: d.videoPID, Message: err.Error()})
		return
	}
	if len(data) == 0 {
		return
	}

	// A video PES packet may carry more than one access unit: an encoder is
	// free to pack several AUD-delimited pictures into one PES. The scanner
	// is closed out here rather than left to carry the final NAL into the
	// next PES, which would delay every access unit's last NAL (usually its
	// slice data) by one frame.
	nalus := d.annexScanner.Feed(data)
	if last, ok := d.annexScanner.Close(); ok {
		nalus = append(nalus, last)
	}
	if len(nalus) == 0 {
		return
	}

	d.emitVideoAccessUnits(nalus, hdr.PTS, hdr.DTS)
}

// isAUD reports whether nalu is an Access Unit Delimiter for the video
// track's current codec.
func (d *Demuxer) isAUD(nalu NALUnit) bool {
	if d.videoTrack.Codec == CodecH265 {
		return nalu.Type == HEVCNALAUD
	}
	return nalu.Type == NALTypeAUD
}

// emitVideoAccessUnits splits one PES's worth of NAL units into access
// units at AUD boundaries (AVC type 9, HEVC type 35) and emits each as a
// separate VideoSample. AUDs are never themselves kept in a sample. All
// resulting samples share the PES's own PTS/DTS, since a PES carries a
// single timestamp pair regardless of how many AUs it contains.
func (d *Demuxer) emitVideoAccessUnits(nalus []NALUnit, pts, dts int64) {
	var group []NALUnit
	for _, nalu := range nalus {
		if d.isAUD(nalu) {
			d.emitVideoAccessUnit(group, pts, dts)
			group = nil
			continue
		}
		group = append(group, nalu)
	}
	d.emitVideoAccessUnit(group, pts, dts)
}

func (d *Demuxer) emitVideoAccessUnit(nalus []NALUnit, pts, dts int64) {
	isH265 := d.videoTrack.Codec == CodecH265
	keyframe := false
	var kept []NALUnit
	var totalLen int

	for _, nalu := range nalus {
		if isH265 {
			d.classifyHEVCNAL(nalu, pts, &keyframe)
		} else {
			d.classifyAVCNAL(nalu, pts, &keyframe)
		}

		if isH265 && nalu.Type == HEVCNALFillerData {
			continue
		}
		if !isH265 && nalu.Type == NALTypeFillerData {
			continue
		}

		kept = append(kept, nalu)
		totalLen += len(nalu.Data)
	}

	if len(kept) == 0 {
		return
	}

	if d.awaitKeyfrm {
		if !keyframe {
			d.videoTrack.DroppedSamples++
			return
		}
		d.awaitKeyfrm = false
	}

	if keyframe {
		d.groupID++
	}
	d.videoCount++

	if d.remuxer != nil {
		d.remuxer.RemuxVideo(d.videoTrack, VideoSample{
			PTS:      pts,
			DTS:      dts,
			Keyframe: keyframe,
			NALUs:    kept,
			Len:      totalLen,
			GroupID:  d.groupID,
		})
	}
}

func (d *Demuxer) classifyAVCNAL(nalu NALUnit, pts int64, keyframe *bool) {
	switch {
	case IsSPS(nalu.Type):
		info, err := ParseSPS(nalu.Data)
		if err != nil {
			d.notify(EventDetail{Type: MediaError, Track: TrackVideo, PID: d.videoPID, Err: err, Message: "unparseable SPS"})
			return
		}
		sps := append([]byte(nil), nalu.Data...)
		pps := []byte(nil)
		if d.videoTrack.AVC != nil {
			pps = d.videoTrack.AVC.PPS
		}
		d.videoTrack.AVC = &AVCConfig{SPS: sps, PPS: pps, Info: info}
		*keyframe = true
	case IsPPS(nalu.Type):
		pps := append([]byte(nil), nalu.Data...)
		if d.videoTrack.AVC == nil {
			d.videoTrack.AVC = &AVCConfig{}
		}
		d.videoTrack.AVC.PPS = pps
	case IsKeyframe(nalu.Type):
		*keyframe = true
	case nalu.Type == NALTypeSEI:
		d.handleSEI(nalu.Data, 1, pts)
	}
}

func (d *Demuxer) classifyHEVCNAL(nalu NALUnit, pts int64, keyframe *bool) {
	switch {
	case IsHEVCVPS(nalu.Type):
		vps := append([]byte(nil), nalu.Data...)
		if d.videoTrack.HEVC == nil {
			d.videoTrack.HEVC = &HEVCConfig{}
		}
		d.videoTrack.HEVC.VPS = vps
	case IsHEVCSPS(nalu.Type):
		info, err := ParseHEVCSPS(nalu.Data)
		if err != nil {
			d.notify(EventDetail{Type: MediaError, Track: TrackVideo, PID: d.videoPID, Err: err, Message: "unparseable HEVC SPS"})
			return
		}
		sps := append([]byte(nil), nalu.Data...)
		var vps, pps []byte
		if d.videoTrack.HEVC != nil {
			vps, pps = d.videoTrack.HEVC.VPS, d.videoTrack.HEVC.PPS
		}
		d.videoTrack.HEVC = &HEVCConfig{VPS: vps, SPS: sps, PPS: pps, Info: info}
	case IsHEVCPPS(nalu.Type):
		pps := append([]byte(nil), nalu.Data...)
		if d.videoTrack.HEVC == nil {
			d.videoTrack.HEVC = &HEVCConfig{}
		}
		d.videoTrack.HEVC.PPS = pps
	case IsHEVCKeyframe(nalu.Type):
		*keyframe = true
	case nalu.Type == HEVCNALSEIPrefix:
		d.handleSEI(nalu.Data, 2, pts)
	}
}

// handleSEI extracts raw caption byte pairs from an SEI NAL's RBSP.
// headerLen is 1 for H.264's one-byte NAL header, 2 for HEVC's two-byte header.
func (d *Demuxer) handleSEI(nalData []byte, headerLen int, pts int64) {
	if len(nalData) < headerLen+1 {
		return
	}
	rbsp := removeEmulationPrevention(nalData[headerLen:])
	for _, rc := range extractRawCaptions(rbsp) {
		if rc.Type == CaptionCEA608 {
			if d.isDuplicateControlPair(rc) {
				continue
			}
		}
		if d.remuxer != nil {
			d.remuxer.RemuxText(d.textTrack, CaptionSample{
				PTS:   pts,
				Type:  rc.Type,
				Field: rc.Field,
				Start: rc.Start,
				Data:  rc.Data,
			})
		}
	}
}

// isDuplicateControlPair filters the redundant repetition of CEA-608
// control codes that encoders commonly send twice in a row for
// reliability; repeating it a third time within two frames is treated as
// a genuine repeat rather than the standard doubling.
func (d *Demuxer) isDuplicateControlPair(rc rawCaption) bool {
	cc1 := rc.Data[0]
	isCtrl := cc1 >= 0x10 && cc1 <= 0x1F
	f := rc.Field
	if f < 0 || f > 1 {
		return false
	}
	if !isCtrl {
		d.ccLastWasCtrl[f] = false
		return false
	}
	frameGap := d.videoCount - d.ccLastCtrlFrame[f]
	if d.ccLastWasCtrl[f] && d.ccLastCtrl[f] == rc.Data && frameGap <= 2 {
		d.ccLastWasCtrl[f] = false
		return true
	}
	d.ccLastCtrl[f] = rc.Data
	d.ccLastWasCtrl[f] = true
	d.ccLastCtrlFrame[f] = d.videoCount
	return false
}

func (d *Demuxer) handleAudioPacket(h tsHeader, payload []byte, ts *audioTrackState) {
	completed := ts.pes.push(payload, h.PayloadUnitStartIndicator)
	if completed == nil {
		return
	}
	d.processAudioPES(completed, ts)
}

func (d *Demuxer) processAudioPES(raw []byte, ts *audioTrackState) {
	hdr, data, err := parsePESPacket(raw)
	if err != nil {
		d.notify(EventDetail{Type: FragParsingError, Track: TrackAudio, PID: ts.pid, Message: err.Error()})
		return
	}
	if len(data) == 0 {
		return
	}

	if ts.aac != nil {
		frames, syncOffset, err := ts.aac.Feed(data, hdr.PTS, hdr.HasPTS)
		if err != nil {
			if err == ErrNoADTSHeader {
				d.notify(EventDetail{Type: FragParsingError, Track: TrackAudio, PID: ts.pid, Err: err, Message: "no ADTS header found in AAC PES", Fatal: true})
				return
			}
			d.notify(EventDetail{Type: MediaError, Track: TrackAudio, PID: ts.pid, Err: err, Message: "ADTS parse error"})
			return
		}
		if syncOffset > 0 {
			d.notify(EventDetail{Type: FragParsingError, Track: TrackAudio, PID: ts.pid, Message: fmt.Sprintf("AAC PES did not start with ADTS header,offset:%d", syncOffset)})
		}
		for _, f := range frames {
			if ts.track.AAC == nil || ts.track.AAC.SampleRate != f.SampleRate || ts.track.AAC.Channels != f.Channels {
				ts.track.AAC = &AACConfig{SampleRate: f.SampleRate, Channels: f.Channels}
			}
			if d.remuxer != nil {
				d.remuxer.RemuxAudio(ts.track, AudioSample{PTS: f.PTS, Data: f.Data, Len: len(f.Data)})
			}
		}
		return
	}

	frames, err := ts.mpeg.Feed(data, hdr.PTS, hdr.HasPTS)
	if err != nil {
		d.notify(EventDetail{Type: MediaError, Track: TrackAudio, PID: ts.pid, Err: err, Message: "MPEG audio parse error"})
		return
	}
	for _, f := range frames {
		if ts.track.AAC == nil || ts.track.AAC.SampleRate != f.SampleRate || ts.track.AAC.Channels != f.Channels {
			ts.track.AAC = &AACConfig{SampleRate: f.SampleRate, Channels: f.Channels}
		}
		if d.remuxer != nil {
			d.remuxer.RemuxAudio(ts.track, AudioSample{PTS: f.PTS, Data: f.Data, Len: len(f.Data)})
		}
	}
}

func (d *Demuxer) handleID3Packet(h tsHeader, payload []byte) {
	completed := d.id3PES.push(payload, h.PayloadUnitStartIndicator)
	if completed == nil {
		return
	}
	hdr, data, err := parsePESPacket(completed)
	if err != nil || len(data) == 0 {
		return
	}
	if d.remuxer != nil {
		d.remuxer.RemuxID3(d.id3Trk, hdr.PTS, data)
	}
}

// ResetTimestamps clears continuity-counter and PTS/DTS gluing state
// without forgetting discovered tracks, for use after a seek or source
// switch where PIDs are unchanged but the clock has jumped.
func (d *Demuxer) ResetTimestamps() {
	d.continuity = make(map[uint16]*continuityState)
	for _, ts := range d.audioByPID {
		if ts.aac != nil {
			ts.aac.havePTS = false
		}
		if ts.mpeg != nil {
			ts.mpeg.havePTS = false
		}
	}
}

// Reset clears all discovered track and accumulator state, as if the
// Demuxer had just been constructed, without discarding configuration.
// Use it when a new transport stream (a new PAT/PMT generation) begins on
// the same Demuxer instance.
func (d *Demuxer) Reset() {
	d.buf = nil
	d.patAcc = psiAccumulator{}
	d.pmtAcc = psiAccumulator{}
	d.pmtPID = 0
	d.pmtSeen = false
	d.videoPID = 0
	d.videoTrack = Track{}
	d.videoPES = pesAccumulator{}
	d.annexScanner = nil
	d.awaitKeyfrm = false
	d.audioByPID = make(map[uint16]*audioTrackState)
	d.audioOrder = nil
	d.id3PID = 0
	d.id3PES = pesAccumulator{}
	d.continuity = make(map[uint16]*continuityState)
}

// Close flushes buffered-but-incomplete video and audio data as final
// output, called once no more data will arrive for this stream. A buffered
// ID3 PES is not flushed.
func (d *Demuxer) Close() {
	if d.annexScanner != nil {
		if nal, ok := d.annexScanner.Close(); ok {
			d.emitVideoAccessUnit([]NALUnit{nal}, 0, 0)
		}
	}
	if raw := d.videoPES.flush(); raw != nil {
		d.processVideoPES(raw)
	}
	for _, ts := range d.audioByPID {
		if raw := ts.pes.flush(); raw != nil {
			d.processAudioPES(raw, ts)
		}
	}
}
