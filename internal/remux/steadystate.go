package remux

import (
	astiav "github.com/asticode/go-astiav"

	"github.com/jcharest/foscam-gateway/internal/ferrors"
)

// remuxVideo pulls at most one packet from the video demuxer and writes it
// straight through to the output video stream. It reports whether a packet
// was written, and a non-nil error only for a write failure, which is fatal
// to the worker per the stream-copy contract: the container is corrupt
// past a failed write, so there is nothing left to do but stop.
func (w *Worker) remuxVideo(sess *remuxSession) (bool, error) {
	if err := sess.videoIn.ReadFrame(sess.videoPkt); err != nil {
		return false, nil
	}
	defer sess.videoPkt.Unref()

	sess.videoPkt.RescaleTs(sess.videoStr.TimeBase(), sess.outVideoStr.TimeBase())
	sess.videoPkt.SetStreamIndex(sess.outVideoStr.Index())

	if err := sess.out.WriteInterleavedFrame(sess.videoPkt); err != nil {
		return false, ferrors.NewRemuxRuntime("video.write", err)
	}
	return true, nil
}

// transcodeAudio pulls at most one packet from the audio demuxer, decodes
// it, resamples the result into the FIFO, and drains every full encoder
// frame the FIFO now holds through the AC3 encoder. It reports whether any
// progress was made, and a non-nil error for any fatal encode/write
// failure.
func (w *Worker) transcodeAudio(sess *remuxSession) (bool, error) {
	if err := sess.audioIn.ReadFrame(sess.audioPkt); err != nil {
		return false, nil
	}
	defer sess.audioPkt.Unref()

	if err := sess.audioDec.SendPacket(sess.audioPkt); err != nil {
		w.log.Warn("audio decode rejected packet", "error", err)
		return false, nil
	}

	progressed := false
	for {
		err := sess.audioDec.ReceiveFrame(sess.decFrame)
		if err != nil {
			break
		}
		progressed = true

		if err := w.resampleIntoFifo(sess); err != nil {
			sess.decFrame.Unref()
			return progressed, err
		}
		sess.decFrame.Unref()
	}

	if err := w.drainFifo(sess); err != nil {
		return progressed, err
	}
	return progressed, nil
}

// resampleIntoFifo converts one decoded frame from 16-bit mono PCM into the
// AC3 encoder's negotiated sample format and appends the result to the
// audio FIFO, which buffers samples across packet boundaries until a full
// encoder frame is available.
func (w *Worker) resampleIntoFifo(sess *remuxSession) error {
	tmp := astiav.AllocFrame()
	defer tmp.Free()

	tmp.SetSampleFormat(sess.audioEnc.SampleFormat())
	tmp.SetChannelLayout(sess.audioEnc.ChannelLayout())
	tmp.SetSampleRate(sess.audioEnc.SampleRate())
	tmp.SetNbSamples(sess.decFrame.NbSamples())

	if err := tmp.AllocBuffer(0); err != nil {
		return ferrors.NewRemuxRuntime("audio.allocResampleBuffer", err)
	}
	if err := sess.resampler.ConvertFrame(sess.decFrame, tmp); err != nil {
		return ferrors.NewRemuxRuntime("audio.resample", err)
	}
	if _, err := sess.audioFifo.Write(tmp); err != nil {
		return ferrors.NewRemuxRuntime("audio.fifoWrite", err)
	}
	return nil
}

// drainFifo pops exactly frame_size samples at a time off the FIFO for as
// long as a full encoder frame is available, encoding and writing each one.
func (w *Worker) drainFifo(sess *remuxSession) error {
	frameSize := sess.audioEnc.FrameSize()
	if frameSize <= 0 {
		frameSize = 1
	}

	for sess.audioFifo.Size() >= frameSize {
		sess.encFrame.Unref()
		sess.encFrame.SetSampleFormat(sess.audioEnc.SampleFormat())
		sess.encFrame.SetChannelLayout(sess.audioEnc.ChannelLayout())
		sess.encFrame.SetSampleRate(sess.audioEnc.SampleRate())
		sess.encFrame.SetNbSamples(frameSize)

		if err := sess.encFrame.AllocBuffer(0); err != nil {
			return ferrors.NewRemuxRuntime("audio.allocEncodeBuffer", err)
		}
		if _, err := sess.audioFifo.Read(sess.encFrame, frameSize); err != nil {
			return ferrors.NewRemuxRuntime("audio.fifoRead", err)
		}
		if err := w.encodeAndWrite(sess); err != nil {
			return err
		}
	}
	return nil
}

// encodeAndWrite sends one full frame through the AC3 encoder and writes
// every packet it yields to the output muxer.
func (w *Worker) encodeAndWrite(sess *remuxSession) error {
	if err := sess.audioEnc.SendFrame(sess.encFrame); err != nil {
		return ferrors.NewRemuxRuntime("audio.encodeSend", err)
	}

	for {
		err := sess.audioEnc.ReceivePacket(sess.encPkt)
		if err != nil {
			return nil
		}

		sess.encPkt.RescaleTs(sess.audioStr.TimeBase(), sess.outAudioStr.TimeBase())
		sess.encPkt.SetStreamIndex(sess.outAudioStr.Index())

		writeErr := sess.out.WriteInterleavedFrame(sess.encPkt)
		sess.encPkt.Unref()
		if writeErr != nil {
			return ferrors.NewRemuxRuntime("audio.write", writeErr)
		}
	}
}
