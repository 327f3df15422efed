// Package pipeline orchestrates the demux-to-distribution data flow for a
// single stream. It owns the ingest read loop, feeds raw bytes to the core
// Demuxer, and forwards parsed samples to the Relay while collecting
// telemetry for the stats overlay. Two concerns live here rather than in
// the core Demuxer: decoding raw CEA-608/708 caption byte pairs to text via
// ccx, and scanning the raw transport stream independently for SCTE-35
// splice sections.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/zsiec/ccx"
	"github.com/zsiec/prism/internal/demux"
	"github.com/zsiec/prism/internal/distribution"
	"github.com/zsiec/prism/internal/media"
	"github.com/zsiec/prism/internal/moq"
	"github.com/zsiec/prism/internal/scte35"
)

// readChunkSize is the buffer size used to read from the ingest stream
// before handing bytes to the Demuxer and the SCTE-35 scanner.
const readChunkSize = 64 * 1024

// scte35PIDWellKnown is the transport stream PID this pipeline watches for
// SCTE-35 splice_info_section data. The core Demuxer has no notion of
// SCTE-35 at all; this package scans for it independently.
const scte35PIDWellKnown uint16 = 500

// Broadcaster is the subset of distribution.Relay that the pipeline uses
// to fan out parsed frames to viewers. Accepting an interface here decouples
// the pipeline from the concrete Relay type, making it testable with stubs.
type Broadcaster interface {
	BroadcastVideo(frame *media.VideoFrame)
	BroadcastAudio(frame *media.AudioFrame)
	BroadcastCaptions(frame *ccx.CaptionFrame)
	SetVideoInfo(info distribution.VideoInfo)
	SetAudioTrackCount(count int)
	AudioTrackCount() int
	SetAudioInfo(info distribution.AudioInfo)
	ViewerCount() int
	ViewerStatsAll() []distribution.ViewerStats
}

// Pipeline bridges a single stream's Demuxer and Relay. It drives the core
// demux.Demuxer's Push loop from its own read loop over the ingest reader,
// implements demux.Remuxer and demux.Observer to receive parsed samples and
// diagnostics synchronously, and broadcasts them to all viewers via the
// relay while accumulating statistics for the stats overlay, which viewers
// receive on the MoQ stats track.
type Pipeline struct {
	log        *slog.Logger
	input      io.Reader
	demuxer    *demux.Demuxer
	relay      Broadcaster
	streamKey  string
	demuxStats *distribution.DemuxStats
	startTime  time.Time
	protocol   string

	videoForwarded  atomic.Int64
	audioForwarded  atomic.Int64
	captionFwd      atomic.Int64
	lastVideoFwdPTS atomic.Int64
	lastAudioFwdPTS atomic.Int64

	videoInfoSent   bool
	audioInfoSent   bool
	audioTracksSeen int

	// cea608Decs holds one decoder per NTSC field (0 or 1); each decoder
	// tracks its own channel-selection state across calls, per CEA-608.
	cea608Decs map[int]*ccx.CEA608Decoder
	// cea708Svcs holds one DTVCC service block decoder per service number.
	cea708Svcs map[int]*ccx.CEA708Service
	dtvccBuf   []byte

	scteBuf     []byte
	scteSection []byte
}

// New creates a Pipeline that reads demuxed frames from input and broadcasts
// them to all viewers via the relay.
func New(streamKey string, input io.Reader, relay Broadcaster) *Pipeline {
	p := &Pipeline{
		log:        slog.With("stream", streamKey),
		input:      input,
		relay:      relay,
		streamKey:  streamKey,
		demuxStats: distribution.NewDemuxStats(),
		startTime:  time.Now(),
		cea608Decs: map[int]*ccx.CEA608Decoder{
			0: ccx.NewCEA608Decoder(),
			1: ccx.NewCEA608Decoder(),
		},
		cea708Svcs: map[int]*ccx.CEA708Service{
			1: ccx.NewCEA708Service(),
			2: ccx.NewCEA708Service(),
			3: ccx.NewCEA708Service(),
			4: ccx.NewCEA708Service(),
			5: ccx.NewCEA708Service(),
			6: ccx.NewCEA708Service(),
		},
	}
	p.demuxer = demux.NewDemuxer(p, p, slog.With("component", "demuxer", "stream", streamKey))
	return p
}

// SetProtocol records the ingest protocol name (e.g. "SRT") for inclusion
// in the stats overlay sent to viewers.
func (p *Pipeline) SetProtocol(proto string) {
	p.protocol = proto
}

// StreamSnapshot returns a point-in-time snapshot of stream health metrics,
// suitable for JSON serialization and delivery to viewers on the MoQ stats track.
func (p *Pipeline) StreamSnapshot() distribution.StreamSnapshot {
	video, audio, captions, scte35Stats := p.demuxStats.Snapshot()

	return distribution.StreamSnapshot{
		Timestamp:   time.Now().UnixMilli(),
		UptimeMs:    time.Since(p.startTime).Milliseconds(),
		Protocol:    p.protocol,
		Video:       video,
		Audio:       audio,
		Captions:    captions,
		SCTE35:      scte35Stats,
		ViewerCount: p.relay.ViewerCount(),
		Viewers:     p.relay.ViewerStatsAll(),
	}
}

// PipelineDebug returns low-level forwarding counters for the
// /api/streams/{key}/debug endpoint.
func (p *Pipeline) PipelineDebug() distribution.PipelineDebugStats {
	return distribution.PipelineDebugStats{
		VideoForwarded:  p.videoForwarded.Load(),
		AudioForwarded:  p.audioForwarded.Load(),
		CaptionFwd:      p.captionFwd.Load(),
		LastVideoFwdPTS: p.lastVideoFwdPTS.Load(),
		LastAudioFwdPTS: p.lastAudioFwdPTS.Load(),
	}
}

// DemuxStats returns the underlying DemuxStats collector for PTS debug queries.
func (p *Pipeline) DemuxStats() *distribution.DemuxStats {
	return p.demuxStats
}

// Run drives the ingest read loop: it reads chunks from input, feeds them to
// the SCTE-35 scanner and the core Demuxer's Push, and blocks until the
// context is cancelled or the reader is exhausted.
func (p *Pipeline) Run(ctx context.Context) error {
	buf := make([]byte, readChunkSize)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		n, err := p.input.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			p.scanSCTE35(chunk)
			if perr := p.demuxer.Push(chunk); perr != nil {
				p.log.Warn("push error", "error", perr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.log.Info("ingest reader closed")
				return nil
			}
			return err
		}
	}
}

// RemuxVideo implements demux.Remuxer. It's called synchronously from
// within Push for every complete video access unit.
func (p *Pipeline) RemuxVideo(track demux.Track, sample demux.VideoSample) {
	nalus := make([][]byte, len(sample.NALUs))
	var totalBytes int64
	for i, n := range sample.NALUs {
		annexB := make([]byte, 4+len(n.Data))
		annexB[3] = 1
		copy(annexB[4:], n.Data)
		nalus[i] = annexB
		totalBytes += int64(len(n.Data))
	}

	codec := "h264"
	var sps, pps, vps []byte
	if track.HEVC != nil {
		codec = "h265"
		sps, pps, vps = track.HEVC.SPS, track.HEVC.PPS, track.HEVC.VPS
	} else if track.AVC != nil {
		sps, pps = track.AVC.SPS, track.AVC.PPS
	}

	frame := &media.VideoFrame{
		PTS:        sample.PTS,
		DTS:        sample.DTS,
		IsKeyframe: sample.Keyframe,
		NALUs:      nalus,
		SPS:        sps,
		PPS:        pps,
		VPS:        vps,
		Codec:      codec,
		GroupID:    sample.GroupID,
	}

	if !p.videoInfoSent && sample.Keyframe {
		if vi, ok := p.buildVideoInfo(track); ok {
			p.relay.SetVideoInfo(vi)
			if track.HEVC != nil {
				p.demuxStats.RecordVideoCodec("H.265")
			} else {
				p.demuxStats.RecordVideoCodec("H.264")
			}
			p.demuxStats.RecordResolution(vi.Width, vi.Height)
			p.videoInfoSent = true
		}
	}

	p.demuxStats.RecordVideoFrame(totalBytes, sample.Keyframe, sample.PTS)
	p.relay.BroadcastVideo(frame)
	p.videoForwarded.Add(1)
	p.lastVideoFwdPTS.Store(sample.PTS)
}

// buildVideoInfo builds the VideoInfo (including decoder configuration
// record) from a Track's already-parsed parameter sets.
func (p *Pipeline) buildVideoInfo(track demux.Track) (distribution.VideoInfo, bool) {
	switch {
	case track.HEVC != nil:
		vi := distribution.VideoInfo{
			Codec:  track.HEVC.Info.CodecString(),
			Width:  track.HEVC.Info.Width,
			Height: track.HEVC.Info.Height,
		}
		if vi.Width == 0 {
			return vi, false
		}
		vi.DecoderConfig = moq.BuildHEVCDecoderConfig(track.HEVC.VPS, track.HEVC.SPS, track.HEVC.PPS)
		return vi, true
	case track.AVC != nil:
		vi := distribution.VideoInfo{
			Codec:  track.AVC.Info.CodecString(),
			Width:  track.AVC.Info.Width,
			Height: track.AVC.Info.Height,
		}
		if vi.Width == 0 {
			return vi, false
		}
		vi.DecoderConfig = moq.BuildAVCDecoderConfig(track.AVC.SPS, track.AVC.PPS)
		return vi, true
	default:
		return distribution.VideoInfo{}, false
	}
}

// RemuxAudio implements demux.Remuxer.
func (p *Pipeline) RemuxAudio(track demux.Track, sample demux.AudioSample) {
	if track.Index+1 > p.audioTracksSeen {
		p.audioTracksSeen = track.Index + 1
		p.relay.SetAudioTrackCount(p.audioTracksSeen)
	}

	var sampleRate, channels int
	codec := "mp4a.40.02"
	if track.AAC != nil {
		sampleRate, channels = track.AAC.SampleRate, track.AAC.Channels
	} else if track.Codec == demux.CodecMPEGAudio {
		codec = "mp4a.6B"
	}

	if !p.audioInfoSent && sampleRate > 0 {
		p.relay.SetAudioInfo(distribution.AudioInfo{Codec: codec, SampleRate: sampleRate, Channels: channels})
		p.audioInfoSent = true
	}

	p.demuxStats.RecordAudioFrame(track.Index, int64(len(sample.Data)), sample.PTS, sampleRate, channels)

	frame := &media.AudioFrame{
		PTS:        sample.PTS,
		Data:       sample.Data,
		SampleRate: sampleRate,
		Channels:   channels,
		TrackIndex: track.Index,
	}
	p.relay.BroadcastAudio(frame)
	p.audioForwarded.Add(1)
	p.lastAudioFwdPTS.Store(sample.PTS)
}

// RemuxID3 implements demux.Remuxer. No viewer-facing distribution exists
// for ID3 metadata yet; this just keeps the diagnostic trail.
func (p *Pipeline) RemuxID3(track demux.Track, pts int64, data []byte) {
	p.log.Debug("id3 frame", "pts", pts, "bytes", len(data))
}

// RemuxText implements demux.Remuxer, decoding raw CEA-608/708 byte pairs to
// text via ccx and broadcasting the resulting caption frames.
func (p *Pipeline) RemuxText(track demux.Track, sample demux.CaptionSample) {
	switch sample.Type {
	case demux.CaptionCEA608:
		dec := p.cea608Decs[sample.Field]
		if dec == nil {
			return
		}
		text := dec.Decode(sample.Data[0], sample.Data[1])
		if text == "" {
			return
		}
		frame := &ccx.CaptionFrame{PTS: sample.PTS, Text: text, Channel: sample.Field}
		frame.Regions = dec.StyledRegions()
		p.demuxStats.RecordCaption(sample.Field)
		p.relay.BroadcastCaptions(frame)
		p.captionFwd.Add(1)

	case demux.CaptionCEA708:
		if sample.Start {
			p.drainDTVCC(sample.PTS)
			p.dtvccBuf = p.dtvccBuf[:0]
		}
		p.dtvccBuf = append(p.dtvccBuf, sample.Data[0], sample.Data[1])
	}
}

// drainDTVCC processes one complete DTVCC packet accumulated in dtvccBuf,
// called just before a new packet's start marker arrives.
func (p *Pipeline) drainDTVCC(pts int64) {
	if len(p.dtvccBuf) < 1 {
		return
	}
	packetSize := ccx.DTVCCPacketSize(p.dtvccBuf[0])
	if len(p.dtvccBuf) < packetSize {
		return
	}

	for _, block := range ccx.ParseDTVCCPacket(p.dtvccBuf[:packetSize]) {
		svc := p.cea708Svcs[block.ServiceNum]
		if svc == nil {
			continue
		}
		if !svc.ProcessBlock(block.Data) {
			continue
		}
		text := svc.DisplayText()
		if text == "" {
			continue
		}
		channel := block.ServiceNum + 6
		frame := &ccx.CaptionFrame{PTS: pts, Text: text, Channel: channel}
		frame.Regions = svc.StyledRegions()
		p.demuxStats.RecordCaption(channel)
		p.relay.BroadcastCaptions(frame)
		p.captionFwd.Add(1)
	}
}

// Trigger implements demux.Observer, logging every demuxer diagnostic, fatal
// or not, at warning level.
func (p *Pipeline) Trigger(detail demux.EventDetail) {
	switch detail.Type {
	case demux.MediaError:
		p.log.Warn("demux media error", "track", detail.Track, "pid", detail.PID, "message", detail.Message)
	case demux.FragParsingError:
		p.log.Warn("demux parsing error", "track", detail.Track, "pid", detail.PID, "message", detail.Message)
	}
}

// scanSCTE35 scans a chunk of raw transport stream bytes for the well-known
// SCTE-35 PID, accumulating and decoding splice_info_section data
// independently of the core Demuxer, which has no notion of SCTE-35.
func (p *Pipeline) scanSCTE35(chunk []byte) {
	p.scteBuf = append(p.scteBuf, chunk...)

	for len(p.scteBuf) >= demux.TSPacketSize {
		if p.scteBuf[0] != 0x47 {
			p.scteBuf = p.scteBuf[1:]
			continue
		}

		pkt := p.scteBuf[:demux.TSPacketSize]
		p.scteBuf = p.scteBuf[demux.TSPacketSize:]

		hdr, payload, err := demux.ParsePacketHeader(pkt)
		if err != nil || hdr.PID != scte35PIDWellKnown || len(payload) == 0 {
			continue
		}

		if hdr.PayloadUnitStartIndicator {
			p.scteSection = p.scteSection[:0]
			payload = payload[1:] // pointer_field
		}
		p.scteSection = append(p.scteSection, payload...)

		if len(p.scteSection) < 3 {
			continue
		}
		sectionLength := int(p.scteSection[1]&0x0F)<<8 | int(p.scteSection[2])
		totalLen := 3 + sectionLength
		if len(p.scteSection) < totalLen {
			continue
		}
		p.handleSCTE35(p.scteSection[:totalLen])
	}
}

// handleSCTE35 decodes one splice_info_section and records it as an event
// for the stats overlay.
func (p *Pipeline) handleSCTE35(section []byte) {
	sis, err := scte35.DecodeBytes(section)
	if err != nil {
		p.log.Warn("failed to parse SCTE-35", "error", err)
		return
	}
	if sis.SpliceCommand == nil {
		return
	}

	event := distribution.SCTE35Event{ReceivedAt: time.Now().UnixMilli()}

	switch cmd := sis.SpliceCommand.(type) {
	case *scte35.SpliceInsert:
		event.CommandType = "splice_insert"
		event.CommandTypeID = scte35.SpliceInsertType
		event.EventID = cmd.SpliceEventID
		event.OutOfNetwork = cmd.OutOfNetworkIndicator
		event.Immediate = cmd.SpliceImmediateFlag
		if cmd.BreakDuration != nil {
			event.Duration = float64(cmd.BreakDuration.Duration) / 90000.0
		}
		if event.OutOfNetwork {
			event.Description = "Splice Out (Ad Insertion)"
		} else {
			event.Description = "Splice In (Return to Program)"
		}
	case *scte35.TimeSignal:
		event.CommandType = "time_signal"
		event.CommandTypeID = scte35.TimeSignalType
		if cmd.SpliceTime.PTSTime != nil {
			event.PTS = int64(*cmd.SpliceTime.PTSTime)
		}
		event.Description = "Time Signal"
	case *scte35.SpliceNull:
		event.CommandType = "splice_null"
		event.CommandTypeID = scte35.SpliceNullType
		event.Description = "Heartbeat"
	default:
		event.CommandType = "unknown"
		event.Description = "Unknown Command"
	}

	for _, desc := range sis.SpliceDescriptors {
		if sd, ok := desc.(*scte35.SegmentationDescriptor); ok {
			event.EventID = sd.SegmentationEventID
			event.SegmentationTypeID = sd.SegmentationTypeID
			event.SegmentationType = sd.Name()
			if sd.SegmentationDuration != nil {
				event.Duration = float64(*sd.SegmentationDuration) / 90000.0
			}
			event.Description = sd.Name()
			break
		}
	}

	p.log.Debug("SCTE-35", "command", event.CommandType, "desc", event.Description, "eventID", event.EventID)
	p.demuxStats.RecordSCTE35(event)
}
