// Package demux implements MPEG-TS demuxing with H.264/H.265 video,
// AAC/MPEG-1/2 audio, ID3, and CEA-608/708 caption extraction.
//
// The central type is [Demuxer]. Unlike a reader-driven demuxer, it owns no
// goroutine and no read loop: callers hand it bytes through [Demuxer.Push],
// in any chunk size, and it delivers parsed samples synchronously to a
// [Remuxer] from within that call. This lets a single ingest goroutine drive
// demuxing without channel handoffs. Non-fatal anomalies (a dropped frame, an
// unparseable SPS, a resynchronization) are reported through an [Observer].
//
// Codec-specific parsing used internally by Demuxer is also exported for
// standalone use: [ParseAnnexB], [ParseAnnexBHEVC], [ParseSPS],
// [ParseHEVCSPS], and [ParsePicTimingSEI]. This package extracts caption byte
// pairs but never decodes them to text, and it has no notion of SCTE-35 —
// both are left to the caller.
package demux
