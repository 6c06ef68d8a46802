package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/kizuki/internal/app"
	"github.com/MrWong99/kizuki/internal/detect"
	"github.com/MrWong99/kizuki/pkg/audio"
)

const writeTimeout = 5 * time.Second

// audioFormat is the PCM layout a client declared in the upgrade query.
type audioFormat struct {
	rate     int
	channels int
}

func parseFormat(q url.Values, defaultRate int) (audioFormat, error) {
	f := audioFormat{rate: defaultRate, channels: 1}
	if v := q.Get("rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 8000 || n > 96000 {
			return audioFormat{}, fmt.Errorf("rate must be between 8000 and 96000, got %q", v)
		}
		f.rate = n
	}
	if v := q.Get("channels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 2 {
			return audioFormat{}, fmt.Errorf("channels must be 1 or 2, got %q", v)
		}
		f.channels = n
	}
	return f, nil
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	cfg := s.app.Config()
	format, err := parseFormat(r.URL.Query(), cfg.Audio.SampleRate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: cfg.Server.AllowedOrigins,
	})
	if err != nil {
		s.log.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(s.readLimit)

	c := &conn{
		srv:          s,
		ws:           ws,
		log:          s.log.With("remote", r.RemoteAddr),
		remote:       r.RemoteAddr,
		format:       format,
		frameSamples: cfg.Audio.FrameSamples,
		conv:         &audio.FormatConverter{SampleRate: cfg.Audio.SampleRate},
		listener:     detect.NewChannelListener(s.eventBuffer),
		replies:      make(chan Reply, 16),
	}
	c.log.Info("client connected", "rate", format.rate, "channels", format.channels)

	err = c.run(r.Context())
	switch status := websocket.CloseStatus(err); {
	case err == nil, status == websocket.StatusNormalClosure, status == websocket.StatusGoingAway:
		c.log.Info("client disconnected")
		ws.Close(websocket.StatusNormalClosure, "")
	case errors.Is(err, context.Canceled):
		c.log.Info("connection closed by server")
		ws.Close(websocket.StatusGoingAway, "server shutting down")
	default:
		c.log.Warn("connection error", "err", err)
		ws.Close(websocket.StatusInternalError, "connection error")
	}
}

// conn is one WebSocket client. The read loop owns the session fields; the
// write loop only drains replies and listener events.
type conn struct {
	srv          *Server
	ws           *websocket.Conn
	log          *slog.Logger
	remote       string
	format       audioFormat
	frameSamples int
	conv         *audio.FormatConverter
	listener     *detect.ChannelListener
	replies      chan Reply

	sess       *detect.Session
	info       app.SessionInfo
	elapsed    time.Duration
	warnedIdle bool
}

func (c *conn) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	loopCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		defer cancel()
		return c.readLoop(loopCtx)
	})
	g.Go(func() error {
		err := c.writeLoop(loopCtx)
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			return nil
		}
		return err
	})
	err := g.Wait()

	c.closeSession()
	c.listener.Close()
	return err
}

func (c *conn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		switch typ {
		case websocket.MessageBinary:
			c.handleAudio(ctx, data)
		case websocket.MessageText:
			c.handleCommand(ctx, data)
		}
	}
}

func (c *conn) writeLoop(ctx context.Context) error {
	events := c.listener.Events()
	for {
		var v any
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-c.replies:
			v = r
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			v = ev
		}
		wctx, cancel := context.WithTimeout(ctx, writeTimeout)
		err := wsjson.Write(wctx, c.ws, v)
		cancel()
		if err != nil {
			return err
		}
	}
}

func (c *conn) reply(ctx context.Context, r Reply) {
	select {
	case c.replies <- r:
	case <-ctx.Done():
	}
}

func (c *conn) fail(ctx context.Context, command string, err error) {
	c.log.Debug("command failed", "command", command, "err", err)
	c.reply(ctx, Reply{Type: ReplyError, Command: command, Error: err.Error()})
}

// handleAudio converts one binary message to the pipeline format and feeds it
// in FrameSamples blocks with running stream timestamps.
func (c *conn) handleAudio(ctx context.Context, data []byte) {
	if c.sess == nil {
		if !c.warnedIdle {
			c.warnedIdle = true
			c.fail(ctx, "", errors.New("audio received before start"))
		}
		return
	}
	f := c.conv.Convert(audio.Frame{Data: data, SampleRate: c.format.rate, Channels: c.format.channels})
	if len(f.Data) == 0 {
		return
	}
	step := c.frameSamples * 2
	for off := 0; off < len(f.Data); off += step {
		frame := audio.Frame{
			Data:       f.Data[off:min(off+step, len(f.Data))],
			SampleRate: f.SampleRate,
			Channels:   1,
			Timestamp:  c.elapsed,
		}
		c.elapsed += frame.Duration()
		if err := c.sess.PushFrame(frame); err != nil {
			if errors.Is(err, detect.ErrNotStarted) {
				c.sessionEnded(ctx, "")
				return
			}
			c.fail(ctx, "", fmt.Errorf("audio: %w", err))
			return
		}
	}
}

func (c *conn) handleCommand(ctx context.Context, data []byte) {
	cmd, err := decodeCommand(data)
	if err != nil {
		c.fail(ctx, "", err)
		return
	}
	if cmd.Type != CmdStart && c.sess == nil {
		c.fail(ctx, cmd.Type, errors.New("no active session"))
		return
	}

	switch cmd.Type {
	case CmdStart:
		c.start(ctx, cmd)
		return
	case CmdReplaceLabels:
		err = c.sess.ReplaceLabels(ctx, cmd.Labels)
	case CmdReset:
		err = c.sess.Reset(ctx)
	case CmdStop:
		c.closeSession()
	case CmdRequestHint:
		err = c.sess.RequestHint()
	}
	if errors.Is(err, detect.ErrNotStarted) {
		c.sessionEnded(ctx, cmd.Type)
		return
	}
	if err != nil {
		c.fail(ctx, cmd.Type, err)
		return
	}
	c.reply(ctx, Reply{Type: ReplyOK, Command: cmd.Type})
}

func (c *conn) start(ctx context.Context, cmd Command) {
	if c.sess != nil {
		c.fail(ctx, CmdStart, fmt.Errorf("session %s already running", c.info.SessionID))
		return
	}
	cfg := c.srv.app.Config()
	req := app.StartRequest{
		ModeID:   cmd.ModeID,
		Labels:   cmd.Labels,
		Listener: c.listener,
		Remote:   c.remote,
	}
	if len(cmd.Gating) > 0 {
		g, err := overrideGating(cfg.Gating, cmd.Gating, cfg.Audio.SampleRate)
		if err != nil {
			c.fail(ctx, CmdStart, err)
			return
		}
		req.Gating = &g
	}

	sess, info, err := c.srv.app.Sessions().Open(ctx, req)
	if err != nil {
		c.fail(ctx, CmdStart, err)
		return
	}
	c.sess, c.info, c.elapsed, c.warnedIdle = sess, info, 0, false
	c.log.Info("session started", "session_id", info.SessionID, "mode", info.ModeID)
	c.reply(ctx, Reply{Type: ReplyStarted, Command: CmdStart, Session: &info})
}

// sessionEnded releases a session the pipeline stopped on its own, after a
// lost classifier connection. The client is told once; further audio is
// ignored until the next start.
func (c *conn) sessionEnded(ctx context.Context, command string) {
	id := c.info.SessionID
	c.closeSession()
	c.warnedIdle = true
	c.log.Info("session ended by pipeline", "session_id", id)
	c.fail(ctx, command, fmt.Errorf("session %s ended, send start to resume", id))
}

func (c *conn) closeSession() {
	if c.sess == nil {
		return
	}
	if err := c.srv.app.Sessions().Close(c.info.SessionID); err != nil && !errors.Is(err, app.ErrSessionNotFound) {
		c.log.Warn("session close error", "session_id", c.info.SessionID, "err", err)
	}
	c.sess = nil
}
