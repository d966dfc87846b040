package service

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/foden303/lanshare/internal/dirjob"
	"github.com/foden303/lanshare/internal/events"
	"github.com/foden303/lanshare/internal/protocol"
	"github.com/foden303/lanshare/internal/session"
	"github.com/foden303/lanshare/internal/transfer"
)

// receiverSyncOpt and senderSyncOpt build the batched-flush policy every
// OpenReceiver/OpenSender call in this file uses, sourced from the
// configured state-sync options.
func (s *Service) receiverSyncOpt() transfer.ReceiverOption {
	return transfer.WithReceiverSyncPolicy(s.opts.StateSyncInterval, s.opts.ChunksPerSync)
}

func (s *Service) senderSyncOpt() transfer.SenderOption {
	return transfer.WithSenderSyncPolicy(s.opts.StateSyncInterval, s.opts.ChunksPerSync)
}

// sink is the outbound side's hook into a session's single frame-dispatch
// loop: the receiver's FILE_INFO_ACK or FILE_RESUME lands on negotiated,
// FILE_ACK/FILE_ACK_BATCH land on ack, and FILE_COMPLETE_ACK (or any ERROR
// frame, such as one reporting hash_mismatch) lands on done.
type sink struct {
	negotiated chan []int
	ack        chan int
	done       chan error
}

func (s *Service) registerSink(sess *session.Session, sk *sink) func() {
	s.mu.Lock()
	if s.sinks == nil {
		s.sinks = make(map[*session.Session]*sink)
	}
	s.sinks[sess] = sk
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.sinks, sess)
		s.mu.Unlock()
	}
}

// runTransferDispatch owns the Active-phase frame loop for one session. It
// handles the inbound-transfer side directly (FILE_INFO, FILE_DATA) and
// forwards outbound-transfer acknowledgements (FILE_ACK, FILE_COMPLETE_ACK)
// to whichever sink sendOneFile has registered for this session. A session
// carries at most one inbound and one outbound transfer at a time, so a bare
// index or hash unambiguously identifies the active transfer in that
// direction.
func (s *Service) runTransferDispatch(ctx context.Context, sess *session.Session) {
	var recv *transfer.Receiver
	var recvHash string

	for frame := range sess.Incoming() {
		switch frame.Type {
		case protocol.TypeFileInfo:
			var info protocol.FileInfo
			if err := protocol.Unmarshal(frame.Payload, &info); err != nil {
				s.log.Debug("service: malformed FILE_INFO", zap.Error(err))
				continue
			}
			r, err := s.xfers.OpenReceiver(s.receivingDir(), transfer.Descriptor{
				FileHash:     info.FileHash,
				FileName:     info.FileName,
				FileSize:     info.FileSize,
				ChunkSize:    info.ChunkSize,
				TotalChunks:  info.TotalChunks,
				PeerDeviceID: sess.PeerDeviceID(),
				Role:         transfer.RoleReceiving,
			}, func(done, total int) {
				s.events.Publish(events.Event{
					Kind: events.KindTransferProgress, DeviceID: sess.PeerDeviceID(),
					FileHash: info.FileHash, FileName: info.FileName,
					Done: int64(done), Total: int64(total),
				})
			}, s.receiverSyncOpt())
			if err != nil {
				s.log.Debug("service: open receiver", zap.Error(err))
				continue
			}
			recv = r
			recvHash = info.FileHash
			s.events.Publish(events.Event{Kind: events.KindTransferStarted, DeviceID: sess.PeerDeviceID(), FileHash: info.FileHash, FileName: info.FileName})

			if completed := recv.CompletedChunks(); len(completed) > 0 {
				sess.Send(protocol.TypeFileResume, protocol.FileResume{
					FileHash: info.FileHash,
					Ranges:   protocol.EncodeRanges(completed),
				})
			} else {
				sess.Send(protocol.TypeFileInfoAck, protocol.FileInfoAck{FileHash: info.FileHash})
			}

			if info.TotalChunks == 0 {
				// Empty file: no FILE_DATA will ever arrive to trigger
				// completion, so finish immediately.
				name, err := recv.Finish(s.opts.DownloadDir)
				s.xfers.ReleaseReceiver(sess.PeerDeviceID(), info.FileHash)
				if err != nil {
					sess.Send(protocol.TypeError, protocol.ErrorMsg{Kind: protocol.ErrorKindIntegrity, Detail: err.Error()})
					s.events.Publish(events.Event{Kind: events.KindTransferFailed, DeviceID: sess.PeerDeviceID(), Err: err})
				} else {
					sess.Send(protocol.TypeFileCompleteAck, protocol.FileCompleteAck{FileHash: info.FileHash})
					s.events.Publish(events.Event{Kind: events.KindTransferComplete, DeviceID: sess.PeerDeviceID(), FileName: name})
				}
				recv = nil
				recvHash = ""
			}

		case protocol.TypeFileData:
			if recv == nil {
				continue
			}
			index, data, err := protocol.DecodeFileData(frame.Payload)
			if err != nil {
				s.log.Debug("service: malformed FILE_DATA", zap.Error(err))
				continue
			}
			if err := recv.WriteChunk(index, data); err != nil {
				s.log.Debug("service: write chunk", zap.Error(err))
				continue
			}
			sess.Send(protocol.TypeFileAck, protocol.FileAck{Index: index})

			if recv.IsComplete() {
				name, err := recv.Finish(s.opts.DownloadDir)
				s.xfers.ReleaseReceiver(sess.PeerDeviceID(), recvHash)
				if err != nil {
					sess.Send(protocol.TypeError, protocol.ErrorMsg{Kind: protocol.ErrorKindIntegrity, Detail: err.Error()})
					s.events.Publish(events.Event{Kind: events.KindTransferFailed, DeviceID: sess.PeerDeviceID(), Err: err})
				} else {
					sess.Send(protocol.TypeFileCompleteAck, protocol.FileCompleteAck{FileHash: recvHash})
					s.events.Publish(events.Event{Kind: events.KindTransferComplete, DeviceID: sess.PeerDeviceID(), FileName: name})
				}
				recv = nil
				recvHash = ""
			}

		case protocol.TypeFileInfoAck:
			s.forwardNegotiated(sess, nil)

		case protocol.TypeFileResume:
			var resume protocol.FileResume
			if err := protocol.Unmarshal(frame.Payload, &resume); err != nil {
				continue
			}
			s.forwardNegotiated(sess, protocol.DecodeRanges(resume.Ranges))

		case protocol.TypeFileAck:
			var ack protocol.FileAck
			if err := protocol.Unmarshal(frame.Payload, &ack); err != nil {
				continue
			}
			s.forwardAck(sess, ack.Index)

		case protocol.TypeFileAckBatch:
			var batch protocol.FileAckBatch
			if err := protocol.Unmarshal(frame.Payload, &batch); err != nil {
				continue
			}
			for _, idx := range batch.Indices {
				s.forwardAck(sess, idx)
			}

		case protocol.TypeFileCompleteAck:
			s.forwardDone(sess, nil)

		case protocol.TypeFileComplete:
			// Courtesy notice; the receiver already reassembles reactively
			// once the last chunk lands, so there is nothing more to do.

		case protocol.TypeError:
			var em protocol.ErrorMsg
			protocol.Unmarshal(frame.Payload, &em)
			s.forwardDone(sess, &session.PeerError{Kind: em.Kind, Detail: em.Detail})

		default:
			s.log.Debug("service: unexpected frame in transfer dispatch", zap.String("type", frame.Type.String()))
		}
	}
}

func (s *Service) forwardNegotiated(sess *session.Session, completed []int) {
	s.mu.Lock()
	sk := s.sinks[sess]
	s.mu.Unlock()
	if sk == nil {
		return
	}
	select {
	case sk.negotiated <- completed:
	default:
	}
}

func (s *Service) forwardAck(sess *session.Session, index int) {
	s.mu.Lock()
	sk := s.sinks[sess]
	s.mu.Unlock()
	if sk == nil {
		return
	}
	select {
	case sk.ack <- index:
	default:
	}
}

func (s *Service) forwardDone(sess *session.Session, err error) {
	s.mu.Lock()
	sk := s.sinks[sess]
	s.mu.Unlock()
	if sk == nil {
		return
	}
	select {
	case sk.done <- err:
	default:
	}
}

func (s *Service) receivingDir() string { return s.opts.DataDir + "/transfers/receiving" }
func (s *Service) sendingDir() string   { return s.opts.DataDir + "/transfers/sending" }

// sendOneFile drives a single file through its full sender lifecycle:
// FILE_INFO negotiation, stop-and-wait chunked FILE_DATA transmission, and
// FILE_COMPLETE once every chunk has been acknowledged.
func (s *Service) sendOneFile(ctx context.Context, sess *session.Session, job *Job, j dirjob.Job) error {
	hash, err := transfer.HashFile(j.AbsPath)
	if err != nil {
		return err
	}

	fileName := j.RelPath
	if fileName == "" {
		fileName = filepath.Base(j.AbsPath)
	}

	desc := transfer.Descriptor{
		FileHash:     hash,
		FileName:     fileName,
		FileSize:     j.Size,
		ChunkSize:    s.opts.ChunkSize,
		TotalChunks:  transfer.TotalChunksFor(j.Size, s.opts.ChunkSize),
		PeerDeviceID: sess.PeerDeviceID(),
		Role:         transfer.RoleSending,
	}

	sender, err := s.xfers.OpenSender(s.sendingDir(), j.AbsPath, desc, func(sent, total int) {
		job.agg.Update(j.AbsPath, int64(sent)*int64(s.opts.ChunkSize))
	}, s.senderSyncOpt())
	if err != nil {
		return err
	}
	defer s.xfers.ReleaseSender(desc.PeerDeviceID, hash)

	sk := &sink{negotiated: make(chan []int, 1), ack: make(chan int, 64), done: make(chan error, 1)}
	unregister := s.registerSink(sess, sk)
	defer unregister()

	if err := sess.Send(protocol.TypeFileInfo, protocol.FileInfo{
		FileHash: hash, FileName: fileName, FileSize: j.Size,
		ChunkSize: s.opts.ChunkSize, TotalChunks: desc.TotalChunks,
	}); err != nil {
		return err
	}

	select {
	case completed := <-sk.negotiated:
		if completed != nil {
			if err := sender.AdoptResume(completed); err != nil {
				return err
			}
		}
	case <-time.After(s.opts.AckTimeout):
		return fmt.Errorf("service: timed out waiting for FILE_INFO_ACK/FILE_RESUME")
	case <-ctx.Done():
		sender.Cancel()
		return ctx.Err()
	}

	for {
		index, data, ok, err := sender.NextChunk()
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		if err := s.sendChunkWithRetry(ctx, sess, sk, index, data); err != nil {
			sender.Cancel()
			return err
		}
		if err := sender.MarkSent(index); err != nil {
			return err
		}
	}

	if err := sess.Send(protocol.TypeFileComplete, protocol.FileComplete{FileHash: hash}); err != nil {
		return err
	}

	select {
	case err := <-sk.done:
		if err != nil {
			return err
		}
		return sender.Finish()
	case <-ctx.Done():
		sender.Cancel()
		return ctx.Err()
	}
}

// sendChunkWithRetry transmits one chunk and waits for its ACK, resending
// and waiting again up to MaxRetry additional times on timeout before
// giving up on the chunk entirely.
func (s *Service) sendChunkWithRetry(ctx context.Context, sess *session.Session, sk *sink, index int, data []byte) error {
	var lastErr error
	for attempt := 0; attempt <= s.opts.MaxRetry; attempt++ {
		if err := sess.SendRaw(protocol.TypeFileData, protocol.EncodeFileData(index, data)); err != nil {
			return err
		}
		lastErr = waitForAck(ctx, sk.ack, index, s.opts.AckTimeout)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return fmt.Errorf("service: chunk %d unacknowledged after %d retries: %w", index, s.opts.MaxRetry, lastErr)
}

func waitForAck(ctx context.Context, ack <-chan int, want int, timeout time.Duration) error {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case got := <-ack:
			if got == want {
				return nil
			}
		case <-deadline.C:
			return fmt.Errorf("service: timed out waiting for ack of chunk %d", want)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
