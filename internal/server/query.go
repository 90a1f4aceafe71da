package server

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/dawn/internal/observe"
	"github.com/MrWong99/dawn/internal/orchestrator"
	"github.com/MrWong99/dawn/internal/session"
	"github.com/MrWong99/dawn/pkg/audio"
	"github.com/MrWong99/dawn/pkg/audio/codec"
	"github.com/MrWong99/dawn/pkg/dap2"
	"github.com/MrWong99/dawn/pkg/provider/stt"
)

// startQuery claims the session's query slot and runs req in its own
// goroutine. The reader keeps reading, so a second query arriving meanwhile
// is answered with query_in_progress.
func (c *conn) startQuery(req orchestrator.Request) error {
	id := c.sess.Identity.UUID
	if err := c.srv.sessions.BeginQuery(id, c); err != nil {
		if errors.Is(err, session.ErrQueryInProgress) {
			return &dap2.ErrorInfo{Code: dap2.CodeQueryInProgress, Message: "previous query has not finished"}
		}
		return notRegistered(err)
	}
	// EndQuery runs before the previous goroutine's final send, so it may
	// still be flushing. Wait for it to keep response frames ordered.
	if c.queryDone != nil {
		<-c.queryDone
	}
	done := make(chan struct{})
	c.queryDone = done

	req.SatelliteUUID = id
	req.HistoryID = c.sess.HistoryID
	req.Location = c.sess.Identity.Location

	c.wg.Add(1)
	go c.runQuery(done, req, c.sess.Tier, c.sess.Capabilities.Streaming)
	return nil
}

func (c *conn) runQuery(done chan struct{}, req orchestrator.Request, tier dap2.Tier, streaming bool) {
	defer c.wg.Done()
	defer close(done)

	start := time.Now()
	ctx, cancel := context.WithTimeout(c.queryContext(c.ctx), c.queryTimeout)
	defer cancel()
	ctx, span := observe.StartSpan(ctx, "dawn.query",
		trace.WithAttributes(
			attribute.String("dawn.satellite_uuid", req.SatelliteUUID),
			attribute.String("dawn.tier", string(tier)),
		))
	defer span.End()
	log := observe.Logger(ctx)

	err := c.stream(ctx, req, streaming)

	status := "ok"
	if c.ctx.Err() != nil {
		// The satellite is gone; nothing left to tell it.
		status = dap2.CodeCancelled
		c.srv.sessions.EndQuery(req.SatelliteUUID, c)
		c.srv.metrics.RecordQuery(context.WithoutCancel(ctx), string(tier), status, time.Since(start))
		log.Debug("query cancelled by disconnect", "elapsed", time.Since(start))
		return
	}

	var end dap2.ResponseEnd
	if err != nil {
		end.Error = errorInfo(err)
		status = end.Error.Code
		span.RecordError(err)
		span.SetStatus(codes.Error, end.Error.Code)
		log.Warn("query failed", "code", end.Error.Code, "err", err, "elapsed", time.Since(start))
	} else {
		log.Debug("query complete", "elapsed", time.Since(start))
	}

	c.srv.sessions.EndQuery(req.SatelliteUUID, c)
	if f, ferr := dap2.JSONFrame(dap2.TypeResponseEnd, end); ferr == nil {
		_ = c.send(f)
	}
	c.srv.metrics.RecordQuery(context.WithoutCancel(ctx), string(tier), status, time.Since(start))
}

// stream relays the orchestrator's response. Full-tier satellites receive
// text: one ResponseStream per chunk when they stream, otherwise one
// Response. Audio-tier satellites receive ResponseAudio only.
func (c *conn) stream(ctx context.Context, req orchestrator.Request, streaming bool) error {
	ch, err := c.srv.orch.Submit(ctx, req)
	if err != nil {
		return err
	}
	defer audio.Drain(ch)

	var full strings.Builder
	for chunk := range ch {
		var f dap2.Frame
		switch {
		case chunk.Err != nil:
			return chunk.Err
		case chunk.Transcript != "":
			observe.Logger(ctx).Debug("heard query", "text", chunk.Transcript)
			continue
		case chunk.Audio != nil:
			f = dap2.Frame{Type: dap2.TypeResponseAudio, Flags: dap2.FlagStreaming, Payload: chunk.Audio}
		case chunk.Text == "" || req.WantAudio:
			continue
		case streaming:
			f = dap2.TextFrame(dap2.TypeResponseStream, chunk.Text)
		default:
			full.WriteString(chunk.Text)
			continue
		}
		if err := c.send(f); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if full.Len() > 0 {
		return c.send(dap2.TextFrame(dap2.TypeResponse, full.String()))
	}
	return nil
}

// errorInfo maps a query failure to the code reported in ResponseEnd.
// Upstream details stay in the daemon log.
func errorInfo(err error) *dap2.ErrorInfo {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &dap2.ErrorInfo{Code: dap2.CodeTimeout, Message: "the query took too long"}
	case errors.Is(err, context.Canceled):
		return &dap2.ErrorInfo{Code: dap2.CodeCancelled, Message: "the query was cancelled"}
	case errors.Is(err, stt.ErrNoSpeech):
		return &dap2.ErrorInfo{Code: dap2.CodeNoSpeech, Message: "no speech was recognised"}
	case errors.Is(err, codec.ErrUnsupported), errors.Is(err, orchestrator.ErrAudioUnsupported):
		return &dap2.ErrorInfo{Code: dap2.CodeUnsupported, Message: err.Error()}
	case errors.Is(err, orchestrator.ErrEmptyQuery):
		return &dap2.ErrorInfo{Code: dap2.CodeInvalidPayload, Message: "empty query"}
	}
	return &dap2.ErrorInfo{Code: dap2.CodeUpstream, Message: "the assistant could not answer"}
}
