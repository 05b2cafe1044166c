package remux

import (
	"fmt"

	astiav "github.com/asticode/go-astiav"

	"github.com/jcharest/foscam-gateway/internal/ferrors"
)

const (
	movflags = "empty_moov+default_base_moof+frag_keyframe"
)

// initialize opens the video/audio demuxers, the output muxer, and the
// audio transcode chain, and writes the container header. Every astiav
// object acquired along the way is pushed onto the returned session's
// releaser before the next acquisition, so a failure partway through still
// leaves everything already opened in a releasable state.
func (w *Worker) initialize() (*remuxSession, error) {
	sess := &remuxSession{}

	if err := w.openVideoDemuxer(sess); err != nil {
		sess.release()
		return nil, err
	}
	if err := w.openAudioDemuxer(sess); err != nil {
		sess.release()
		return nil, err
	}
	if err := w.openOutputMuxer(sess); err != nil {
		sess.release()
		return nil, err
	}
	if err := w.addVideoOutputStream(sess); err != nil {
		sess.release()
		return nil, err
	}
	if err := w.addAudioOutputChain(sess); err != nil {
		sess.release()
		return nil, err
	}

	sess.videoPkt = astiav.AllocPacket()
	sess.releaser.push(sess.videoPkt.Free)
	sess.audioPkt = astiav.AllocPacket()
	sess.releaser.push(sess.audioPkt.Free)
	sess.encPkt = astiav.AllocPacket()
	sess.releaser.push(sess.encPkt.Free)

	hdrOpts := astiav.NewDictionary()
	defer hdrOpts.Free()
	if err := hdrOpts.Set("movflags", movflags, 0); err != nil {
		return nil, ferrors.NewRemuxInit("mux.setMovflags", err)
	}
	if err := sess.out.WriteHeader(hdrOpts); err != nil {
		return nil, ferrors.NewRemuxInit("mux.writeHeader", err)
	}
	sess.headerWritten = true

	return sess, nil
}

// openVideoDemuxer opens a demuxer on video_in, forcing the h264 input
// format with probesize2 and framerate hints per the probe gate's contract.
func (w *Worker) openVideoDemuxer(sess *remuxSession) error {
	pb, err := newInputIOContext(w.videoIn, w.stop)
	if err != nil {
		return ferrors.NewRemuxInit("demux.video.allocIO", err)
	}
	sess.releaser.push(func() { pb.Close(); pb.Free() })

	fc := astiav.AllocFormatContext()
	if fc == nil {
		return ferrors.NewRemuxInit("demux.video.alloc", fmt.Errorf("AllocFormatContext returned nil"))
	}
	sess.releaser.push(fc.Free)
	fc.SetPb(pb)

	h264Fmt := astiav.FindInputFormat("h264")
	if h264Fmt == nil {
		return ferrors.NewRemuxInit("demux.video.findInputFormat", fmt.Errorf("h264 input format not registered"))
	}

	opts := astiav.NewDictionary()
	defer opts.Free()
	_ = opts.Set("probesize2", fmt.Sprintf("%d", w.probeSize), 0)
	if w.framerate > 0 {
		_ = opts.Set("framerate", fmt.Sprintf("%d", w.framerate), 0)
	}

	if err := fc.OpenInput("", h264Fmt, opts); err != nil {
		return ferrors.NewRemuxInit("demux.video.openInput", err)
	}
	sess.releaser.push(fc.CloseInput)

	if err := fc.FindStreamInfo(nil); err != nil {
		return ferrors.NewRemuxInit("demux.video.findStreamInfo", err)
	}

	streams := fc.Streams()
	if len(streams) == 0 {
		return ferrors.NewRemuxInit("demux.video.noStreams", fmt.Errorf("h264 demuxer produced no stream"))
	}

	sess.videoIn = fc
	sess.videoStr = streams[0]
	return nil
}

// openAudioDemuxer opens a demuxer on audio_in, forcing raw signed 16-bit
// little-endian mono PCM at 8kHz, matching the G.711/PCM payload the
// camera sends in AUDIO_DATA records.
func (w *Worker) openAudioDemuxer(sess *remuxSession) error {
	pb, err := newInputIOContext(w.audioIn, w.stop)
	if err != nil {
		return ferrors.NewRemuxInit("demux.audio.allocIO", err)
	}
	sess.releaser.push(func() { pb.Close(); pb.Free() })

	fc := astiav.AllocFormatContext()
	if fc == nil {
		return ferrors.NewRemuxInit("demux.audio.alloc", fmt.Errorf("AllocFormatContext returned nil"))
	}
	sess.releaser.push(fc.Free)
	fc.SetPb(pb)

	s16leFmt := astiav.FindInputFormat("s16le")
	if s16leFmt == nil {
		return ferrors.NewRemuxInit("demux.audio.findInputFormat", fmt.Errorf("s16le input format not registered"))
	}

	opts := astiav.NewDictionary()
	defer opts.Free()
	_ = opts.Set("channels", fmt.Sprintf("%d", outputChannels), 0)
	_ = opts.Set("sample_rate", fmt.Sprintf("%d", outputSampleRate), 0)

	if err := fc.OpenInput("", s16leFmt, opts); err != nil {
		return ferrors.NewRemuxInit("demux.audio.openInput", err)
	}
	sess.releaser.push(fc.CloseInput)

	if err := fc.FindStreamInfo(nil); err != nil {
		return ferrors.NewRemuxInit("demux.audio.findStreamInfo", err)
	}

	streams := fc.Streams()
	if len(streams) == 0 {
		return ferrors.NewRemuxInit("demux.audio.noStreams", fmt.Errorf("s16le demuxer produced no stream"))
	}
	sess.audioStr = streams[0]

	dec := astiav.FindDecoder(astiav.CodecIDPcmS16le)
	if dec == nil {
		return ferrors.NewRemuxInit("demux.audio.findDecoder", fmt.Errorf("pcm_s16le decoder not registered"))
	}
	decCtx := astiav.AllocCodecContext(dec)
	if decCtx == nil {
		return ferrors.NewRemuxInit("demux.audio.allocDecoder", fmt.Errorf("AllocCodecContext returned nil"))
	}
	sess.releaser.push(decCtx.Free)
	if err := sess.audioStr.CodecParameters().ToCodecContext(decCtx); err != nil {
		return ferrors.NewRemuxInit("demux.audio.toCodecContext", err)
	}
	if err := decCtx.Open(dec, nil); err != nil {
		return ferrors.NewRemuxInit("demux.audio.openDecoder", err)
	}

	frame := astiav.AllocFrame()
	sess.releaser.push(frame.Free)

	sess.audioIn = fc
	sess.audioDec = decCtx
	sess.decFrame = frame
	return nil
}

// openOutputMuxer creates the fragmented MP4 output muxer over
// remuxed_out.
func (w *Worker) openOutputMuxer(sess *remuxSession) error {
	pb, err := newOutputIOContext(w.remuxedOut)
	if err != nil {
		return ferrors.NewRemuxInit("mux.allocIO", err)
	}
	sess.releaser.push(func() { pb.Close(); pb.Free() })

	oc, err := astiav.AllocOutputFormatContext(nil, "mp4", "")
	if err != nil || oc == nil {
		return ferrors.NewRemuxInit("mux.alloc", err)
	}
	sess.releaser.push(oc.Free)
	oc.SetPb(pb)

	sess.out = oc
	return nil
}

// addVideoOutputStream copies the demuxed video codec parameters verbatim,
// clearing codec_tag (container-specific) and carrying the input time base.
func (w *Worker) addVideoOutputStream(sess *remuxSession) error {
	os := sess.out.NewStream(nil)
	if os == nil {
		return ferrors.NewRemuxInit("mux.newVideoStream", fmt.Errorf("NewStream returned nil"))
	}
	if err := sess.videoStr.CodecParameters().Copy(os.CodecParameters()); err != nil {
		return ferrors.NewRemuxInit("mux.copyVideoParams", err)
	}
	os.CodecParameters().SetCodecTag(0)
	os.SetTimeBase(sess.videoStr.TimeBase())

	sess.outVideoStr = os
	return nil
}

// addAudioOutputChain builds the AC3 encoder, the output audio stream, the
// S16->encoder-format resampler, and a FIFO sized to the encoder's
// frame_size for batching resampled samples into encode-sized chunks.
func (w *Worker) addAudioOutputChain(sess *remuxSession) error {
	enc := astiav.FindEncoder(astiav.CodecIDAc3)
	if enc == nil {
		return ferrors.NewRemuxInit("mux.findAc3Encoder", fmt.Errorf("ac3 encoder not registered"))
	}
	encCtx := astiav.AllocCodecContext(enc)
	if encCtx == nil {
		return ferrors.NewRemuxInit("mux.allocAc3Context", fmt.Errorf("AllocCodecContext returned nil"))
	}
	sess.releaser.push(encCtx.Free)

	encCtx.SetSampleRate(outputSampleRate)
	encCtx.SetChannelLayout(astiav.ChannelLayoutMono)
	if sfs := enc.SampleFormats(); len(sfs) > 0 {
		encCtx.SetSampleFormat(sfs[0])
	}
	encCtx.SetTimeBase(astiav.NewRational(1, outputSampleRate))

	if err := encCtx.Open(enc, nil); err != nil {
		return ferrors.NewRemuxInit("mux.openAc3Encoder", err)
	}

	os := sess.out.NewStream(enc)
	if os == nil {
		return ferrors.NewRemuxInit("mux.newAudioStream", fmt.Errorf("NewStream returned nil"))
	}
	if err := encCtx.ToCodecParameters(os.CodecParameters()); err != nil {
		return ferrors.NewRemuxInit("mux.toCodecParameters", err)
	}
	os.SetTimeBase(encCtx.TimeBase())

	resampler := astiav.AllocSoftwareResampleContext()
	if resampler == nil {
		return ferrors.NewRemuxInit("mux.allocResampler", fmt.Errorf("AllocSoftwareResampleContext returned nil"))
	}
	sess.releaser.push(resampler.Free)

	fifo := astiav.AllocAudioFifo(encCtx.SampleFormat(), outputChannels, encCtx.FrameSize())
	if fifo == nil {
		return ferrors.NewRemuxInit("mux.allocAudioFifo", fmt.Errorf("AllocAudioFifo returned nil"))
	}
	sess.releaser.push(fifo.Free)

	encFrame := astiav.AllocFrame()
	sess.releaser.push(encFrame.Free)

	sess.audioEnc = encCtx
	sess.outAudioStr = os
	sess.resampler = resampler
	sess.audioFifo = fifo
	sess.encFrame = encFrame
	return nil
}
