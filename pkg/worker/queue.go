package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mimir-aip/predict-client/pkg/job"
	"github.com/mimir-aip/predict-client/pkg/models"
)

type frame struct {
	msg models.ServerMessage
	err error
}

// runQueued drives one call through the server's queue channel. Frames are
// read on a separate goroutine so a cancel request is noticed while a
// receive is pending.
func (w *PredictionWorker) runQueued(ctx context.Context, comm *job.Communicator, call Call) (any, error) {
	logger := w.logger.With(
		zap.Int("fn_index", call.Endpoint.FnIndex),
		zap.String("session_hash", call.SessionHash),
	)

	comm.Publish(models.StatusUpdate{Code: models.StatusStarting})
	if comm.ShouldCancel() {
		return w.cancelled(comm)
	}

	conn, _, err := w.dialer.DialContext(ctx, w.queueURL(), w.header)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, w.fail(comm, fmt.Errorf("failed to join queue: %w", err))
	}
	defer conn.Close()

	frames := make(chan frame)
	stop := make(chan struct{})
	defer close(stop)
	go readFrames(conn, frames, stop)

	for {
		select {
		case <-comm.CancelRequested():
			return w.abandon(comm, call, logger)
		case <-ctx.Done():
			return nil, ctx.Err()
		case f := <-frames:
			if f.err != nil {
				return nil, w.fail(comm, readError(f.err))
			}
			if comm.ShouldCancel() {
				return w.abandon(comm, call, logger)
			}

			result, done, err := w.handle(conn, comm, call, f.msg, logger)
			if err != nil {
				return nil, w.fail(comm, err)
			}
			if done {
				return result, nil
			}
		}
	}
}

// handle applies one server message. done is true once the call reached its
// final outcome.
func (w *PredictionWorker) handle(conn *websocket.Conn, comm *job.Communicator, call Call, msg models.ServerMessage, logger *zap.Logger) (result any, done bool, err error) {
	logger.Debug("Queue message", zap.String("msg", string(msg.Msg)))

	switch msg.Msg {
	case models.MessageSendHash:
		if err := conn.WriteJSON(models.HashFrame{FnIndex: call.Endpoint.FnIndex, SessionHash: call.SessionHash}); err != nil {
			return nil, false, fmt.Errorf("failed to send session hash: %w", err)
		}

	case models.MessageSendData:
		// Servers announce the queue position before asking for data.
		if !passed(comm, models.StatusSendingData) {
			comm.Publish(models.StatusUpdate{Code: models.StatusSendingData})
		}
		frame := models.DataFrame{
			Data:        call.Data,
			FnIndex:     call.Endpoint.FnIndex,
			SessionHash: call.SessionHash,
		}
		if err := conn.WriteJSON(frame); err != nil {
			return nil, false, fmt.Errorf("failed to send call data: %w", err)
		}

	case models.MessageEstimation:
		if passed(comm, models.StatusInQueue) {
			break
		}
		comm.Publish(models.StatusUpdate{
			Code:      models.StatusInQueue,
			Rank:      msg.Rank,
			QueueSize: msg.QueueSize,
			ETA:       seconds(msg.RankETA),
		})

	case models.MessageQueueFull:
		return nil, false, ErrQueueFull

	case models.MessageProcessStarts:
		comm.Publish(models.StatusUpdate{
			Code:      models.StatusInQueue,
			Rank:      models.Ptr(0),
			QueueSize: msg.QueueSize,
			ETA:       seconds(msg.ETA),
		})

	case models.MessageProgress:
		comm.Publish(models.StatusUpdate{
			Code:         models.StatusProgress,
			ProgressData: msg.ProgressData,
		})

	case models.MessageProcessGenerating:
		if msg.Output == nil {
			return nil, false, fmt.Errorf("%w: generating message without output", ErrProtocol)
		}
		if msg.Output.Error != nil {
			return nil, false, &job.PredictionError{Message: *msg.Output.Error}
		}
		value, err := decodeOutput(call.Endpoint, msg.Output.Data)
		if err != nil {
			return nil, false, err
		}
		comm.PublishOutput(models.StatusUpdate{Code: models.StatusIterating}, value)

	case models.MessageProcessCompleted:
		result, err := w.finish(comm, call, msg.Output, msg.Success)
		return result, true, err

	case models.MessageLog:
		fields := []zap.Field{zap.String("log", msg.Log)}
		if msg.Level == "warning" || msg.Level == "warn" {
			logger.Warn("Server log", fields...)
		} else {
			logger.Info("Server log", fields...)
		}

	default:
		return nil, false, fmt.Errorf("%w: unknown message %q", ErrProtocol, msg.Msg)
	}
	return nil, false, nil
}

// passed reports whether the job already reported a status beyond code, or
// code itself when it cannot repeat
func passed(comm *job.Communicator, code models.StatusCode) bool {
	latest, ok := comm.LatestStatus()
	if !ok {
		return false
	}
	return latest.Code > code || (latest.Code == code && !code.Repeatable())
}

// abandon withdraws a call that is already known to the server
func (w *PredictionWorker) abandon(comm *job.Communicator, call Call, logger *zap.Logger) (any, error) {
	logger.Debug("Cancelling queued call")
	w.reset(call)
	return w.cancelled(comm)
}

func (w *PredictionWorker) queueURL() string {
	u := *w.root.JoinPath("queue", "join")
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.String()
}

// readFrames forwards decoded messages until a read fails or stop closes.
// The read error is forwarded as the final frame.
func readFrames(conn *websocket.Conn, out chan<- frame, stop <-chan struct{}) {
	for {
		var msg models.ServerMessage
		err := conn.ReadJSON(&msg)
		select {
		case out <- frame{msg: msg, err: err}:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func readError(err error) error {
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return fmt.Errorf("%w: malformed message: %v", ErrProtocol, err)
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		return fmt.Errorf("%w: queue closed before completion", ErrProtocol)
	}
	return fmt.Errorf("queue connection lost: %w", err)
}

func seconds(v *float64) *time.Duration {
	if v == nil {
		return nil
	}
	d := time.Duration(*v * float64(time.Second))
	return &d
}
